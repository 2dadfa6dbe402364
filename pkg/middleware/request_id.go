package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader is the HTTP header name for request ID
	RequestIDHeader = "X-Request-ID"
	// RequestIDContextKey is the context key for request ID
	RequestIDContextKey = "request_id"
)

var ErrRequestIDNotFound = errors.New("request ID not found")

// RequestIDStore stores processed request IDs for idempotency
type RequestIDStore interface {
	Store(ctx context.Context, requestID string, response []byte, ttl time.Duration) error
	// Get returns ErrRequestIDNotFound for unknown or expired IDs.
	Get(ctx context.Context, requestID string) ([]byte, error)
	Exists(ctx context.Context, requestID string) (bool, error)
}

// InMemoryRequestIDStore keeps responses in process memory. It is only
// correct for a single instance; use RedisRequestIDStore when scaled out.
type InMemoryRequestIDStore struct {
	mu      sync.Mutex
	store   map[string]requestIDEntry
	cleanup *time.Ticker
	done    chan struct{}
}

type requestIDEntry struct {
	response  []byte
	expiresAt time.Time
}

func NewInMemoryRequestIDStore() *InMemoryRequestIDStore {
	store := &InMemoryRequestIDStore{
		store:   make(map[string]requestIDEntry),
		cleanup: time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}
	go store.cleanupExpired()
	return store
}

func (s *InMemoryRequestIDStore) Store(ctx context.Context, requestID string, response []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[requestID] = requestIDEntry{response: response, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryRequestIDStore) Get(ctx context.Context, requestID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(requestID)
	if !ok {
		return nil, ErrRequestIDNotFound
	}
	return entry.response, nil
}

func (s *InMemoryRequestIDStore) Exists(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(requestID)
	return ok, nil
}

// Close stops the cleanup goroutine.
func (s *InMemoryRequestIDStore) Close() {
	s.cleanup.Stop()
	close(s.done)
}

// live must be called with mu held.
func (s *InMemoryRequestIDStore) live(requestID string) (requestIDEntry, bool) {
	entry, ok := s.store[requestID]
	if !ok {
		return requestIDEntry{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.store, requestID)
		return requestIDEntry{}, false
	}
	return entry, true
}

func (s *InMemoryRequestIDStore) cleanupExpired() {
	for {
		select {
		case <-s.cleanup.C:
			s.mu.Lock()
			now := time.Now()
			for id, entry := range s.store {
				if now.After(entry.expiresAt) {
					delete(s.store, id)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// RedisRequestIDStore shares idempotency records between instances.
type RedisRequestIDStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRequestIDStore(client *redis.Client) *RedisRequestIDStore {
	return &RedisRequestIDStore{client: client, prefix: "idempotency:"}
}

func (s *RedisRequestIDStore) Store(ctx context.Context, requestID string, response []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+requestID, response, ttl).Err(); err != nil {
		return fmt.Errorf("redis set request id: %w", err)
	}
	return nil
}

func (s *RedisRequestIDStore) Get(ctx context.Context, requestID string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+requestID).Bytes()
	if err == redis.Nil {
		return nil, ErrRequestIDNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get request id: %w", err)
	}
	return val, nil
}

func (s *RedisRequestIDStore) Exists(ctx context.Context, requestID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+requestID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists request id: %w", err)
	}
	return n > 0, nil
}

// RequestIDMiddleware extracts or generates X-Request-ID header
func RequestIDMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
			logger.Debug("Generated new request ID",
				zap.String("request_id", requestID),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		}

		c.Set(RequestIDContextKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID retrieves the request ID from the Gin context
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDContextKey)
}

// cachedResponse is what the idempotency store holds per request ID.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// IdempotencyMiddleware replays the stored response for a write request
// whose X-Request-ID has already succeeded.
func IdempotencyMiddleware(store RequestIDStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := GetRequestID(c)
		if !isWrite(c.Request.Method) || requestID == "" {
			c.Next()
			return
		}

		raw, err := store.Get(c.Request.Context(), requestID)
		if err != nil {
			if !errors.Is(err, ErrRequestIDNotFound) {
				// fail open
				logger.Warn("Error reading request ID store",
					zap.String("request_id", requestID),
					zap.Error(err),
				)
			}
			c.Next()
			return
		}

		var cached cachedResponse
		if err := json.Unmarshal(raw, &cached); err != nil || cached.Status == 0 {
			logger.Warn("Discarding unreadable cached response", zap.String("request_id", requestID))
			c.Next()
			return
		}

		logger.Info("Duplicate request detected, returning cached response",
			zap.String("request_id", requestID),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		c.Header("Idempotent-Replayed", "true")
		c.Data(cached.Status, "application/json; charset=utf-8", cached.Body)
		c.Abort()
	}
}

// StoreResponseMiddleware stores successful write responses for replay.
func StoreResponseMiddleware(store RequestIDStore, logger *zap.Logger, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := GetRequestID(c)
		if !isWrite(c.Request.Method) || requestID == "" {
			c.Next()
			return
		}

		writer := &responseWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		status := writer.Status()
		if status < 200 || status >= 300 || len(writer.body) == 0 || !json.Valid(writer.body) {
			return
		}

		raw, err := json.Marshal(cachedResponse{Status: status, Body: writer.body})
		if err == nil {
			err = store.Store(c.Request.Context(), requestID, raw, ttl)
		}
		if err != nil {
			logger.Warn("Failed to store response for idempotency",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			return
		}
		logger.Debug("Stored response for idempotency",
			zap.String("request_id", requestID),
			zap.Int("status", status),
		)
	}
}

// responseWriter captures the response body
type responseWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	w.body = append(w.body, s...)
	return w.ResponseWriter.WriteString(s)
}
