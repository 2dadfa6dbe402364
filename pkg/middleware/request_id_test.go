package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestIDMiddleware_GenerateID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware(zap.NewNop()))
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	responseID := w.Header().Get(RequestIDHeader)
	_, err := uuid.Parse(responseID)
	assert.NoError(t, err)
	assert.Contains(t, w.Body.String(), responseID)
}

func TestRequestIDMiddleware_UseProvidedID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware(zap.NewNop()))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(RequestIDHeader, "client-key-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "client-key-1", w.Header().Get(RequestIDHeader))
}

func idempotentRouter(store RequestIDStore, calls *int32) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	logger := zap.NewNop()
	router.Use(RequestIDMiddleware(logger))
	router.Use(IdempotencyMiddleware(store, logger))
	router.Use(StoreResponseMiddleware(store, logger, 5*time.Minute))
	router.POST("/orders", func(c *gin.Context) {
		n := atomic.AddInt32(calls, 1)
		c.JSON(http.StatusCreated, gin.H{"call": n})
	})
	router.POST("/fail", func(c *gin.Context) {
		atomic.AddInt32(calls, 1)
		c.JSON(http.StatusConflict, gin.H{"error": "InsufficientStock"})
	})
	router.GET("/orders", func(c *gin.Context) {
		n := atomic.AddInt32(calls, 1)
		c.JSON(http.StatusOK, gin.H{"call": n})
	})
	return router
}

func send(router *gin.Engine, method, path, requestID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdempotency_ReplaysStatusAndBody(t *testing.T) {
	store := NewInMemoryRequestIDStore()
	defer store.Close()
	var calls int32
	router := idempotentRouter(store, &calls)

	first := send(router, "POST", "/orders", "key-1")
	second := send(router, "POST", "/orders", "key-1")

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIdempotency_DistinctIDsBothRun(t *testing.T) {
	store := NewInMemoryRequestIDStore()
	defer store.Close()
	var calls int32
	router := idempotentRouter(store, &calls)

	send(router, "POST", "/orders", "key-1")
	send(router, "POST", "/orders", "key-2")

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotency_FailuresAreNotStored(t *testing.T) {
	store := NewInMemoryRequestIDStore()
	defer store.Close()
	var calls int32
	router := idempotentRouter(store, &calls)

	send(router, "POST", "/fail", "key-1")
	w := send(router, "POST", "/fail", "key-1")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotency_ReadsAreNeverReplayed(t *testing.T) {
	store := NewInMemoryRequestIDStore()
	defer store.Close()
	var calls int32
	router := idempotentRouter(store, &calls)

	send(router, "GET", "/orders", "key-1")
	send(router, "GET", "/orders", "key-1")

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInMemoryRequestIDStore_Expiration(t *testing.T) {
	store := NewInMemoryRequestIDStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "id", []byte(`{}`), 50*time.Millisecond))
	exists, err := store.Exists(ctx, "id")
	require.NoError(t, err)
	assert.True(t, exists)

	time.Sleep(80 * time.Millisecond)

	exists, err = store.Exists(ctx, "id")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = store.Get(ctx, "id")
	assert.ErrorIs(t, err, ErrRequestIDNotFound)
}
