package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stock-ledger/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret-key-at-least-32-characters"

func setupAuthTestRouter(handler *AuthHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// inline error rendering; middleware imports this package
	router.Use(func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			stdErr := errors.FromDomain(c.Errors.Last().Err)
			c.JSON(stdErr.HTTPStatus(), stdErr)
		}
	})
	router.POST("/api/v1/auth/login", handler.Login)
	return router
}

func login(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLogin_Success(t *testing.T) {
	manager := NewJWTManager(testSecret, 0, zap.NewNop())
	router := setupAuthTestRouter(NewAuthHandler(manager, map[string]string{"admin": "admin123"}, zap.NewNop()))

	w := login(router, `{"username":"admin","password":"admin123"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.Type)
	assert.InDelta(t, 600, resp.ExpiresIn, 2)

	claims, err := manager.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Subject)
}

func TestLogin_WrongPassword(t *testing.T) {
	manager := NewJWTManager(testSecret, 0, zap.NewNop())
	router := setupAuthTestRouter(NewAuthHandler(manager, map[string]string{"admin": "admin123"}, zap.NewNop()))

	w := login(router, `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = login(router, `{"username":"ghost","password":"admin123"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_MissingFields(t *testing.T) {
	manager := NewJWTManager(testSecret, 0, zap.NewNop())
	router := setupAuthTestRouter(NewAuthHandler(manager, map[string]string{"admin": "admin123"}, zap.NewNop()))

	w := login(router, `{"username":"admin"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ValidationError")
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager(testSecret, time.Millisecond, zap.NewNop())
	token, _, err := manager.GenerateToken("admin")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = manager.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, _, err := NewJWTManager("another-secret-key-of-some-length!!", 0, zap.NewNop()).GenerateToken("admin")
	require.NoError(t, err)

	_, err = NewJWTManager(testSecret, 0, zap.NewNop()).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_ForeignIssuer(t *testing.T) {
	now := time.Now()
	claims := JWTClaims{
		Username: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			Issuer:    "someone-else",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewJWTManager(testSecret, 0, zap.NewNop()).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Garbage(t *testing.T) {
	_, err := NewJWTManager(testSecret, 0, zap.NewNop()).ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
