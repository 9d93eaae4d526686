package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ContextHandleKey holds the authenticated handle on the gin context.
const ContextHandleKey = "auth_handle"

// Claims identifies the handle owner a bearer token was issued to.
type Claims struct {
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

// AuthMiddleware JWT bearer verification for owner endpoints
type AuthMiddleware struct {
	logger *logrus.Logger
	secret []byte
}

func NewAuthMiddleware(logger *logrus.Logger, secret string) *AuthMiddleware {
	return &AuthMiddleware{
		logger: logger,
		secret: []byte(secret),
	}
}

// SignToken issues an HS256 token for handle.
func SignToken(secret, handle string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Handle: strings.ToLower(handle),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(handle),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates signature, algorithm and expiry.
func (a *AuthMiddleware) ParseToken(tokenString string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("token rejected: %w", err)
	}
	if !token.Valid || claims.Handle == "" {
		return nil, errors.New("token has no handle")
	}
	return claims, nil
}

func (a *AuthMiddleware) reject(c *gin.Context, code, message string, fields logrus.Fields) {
	fields["path"] = c.Request.URL.Path
	fields["method"] = c.Request.Method
	a.logger.WithFields(fields).Warn("JWT auth failed - " + code)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// RequireAuth rejects requests without a valid bearer token and stores
// the token's handle under ContextHandleKey.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return a.authenticate(false)
}

// RequireStreamAuth is RequireAuth for websocket upgrades. Browsers cannot
// set headers on a websocket, so the token may also arrive as ?token=.
func (a *AuthMiddleware) RequireStreamAuth() gin.HandlerFunc {
	return a.authenticate(true)
}

func (a *AuthMiddleware) authenticate(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string
		switch {
		case authHeader != "":
			if !strings.HasPrefix(authHeader, "Bearer ") {
				a.reject(c, "INVALID_AUTH_FORMAT", "Authorization header must be in format: Bearer <token>", logrus.Fields{})
				return
			}
			tokenString = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if tokenString == "" {
				a.reject(c, "EMPTY_TOKEN", "Token cannot be empty", logrus.Fields{})
				return
			}
		case allowQuery && strings.TrimSpace(c.Query("token")) != "":
			tokenString = strings.TrimSpace(c.Query("token"))
		default:
			a.reject(c, "MISSING_AUTH_HEADER", "Authentication required", logrus.Fields{})
			return
		}

		claims, err := a.ParseToken(tokenString)
		if err != nil {
			a.reject(c, "INVALID_TOKEN", "Invalid or expired token", logrus.Fields{"error": err.Error()})
			return
		}

		c.Set(ContextHandleKey, claims.Handle)
		a.logger.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"handle": claims.Handle,
		}).Debug("JWT auth success")
		c.Next()
	}
}

// AuthenticatedHandle returns the handle set by RequireAuth.
func AuthenticatedHandle(c *gin.Context) (string, bool) {
	v, ok := c.Get(ContextHandleKey)
	if !ok {
		return "", false
	}
	handle, ok := v.(string)
	return handle, ok && handle != ""
}
