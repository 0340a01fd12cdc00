package handlers

import (
	"crypto/rsa"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-uploads/apperror"
	logger "github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	AuthCookieName  = "authToken"

	requestIDKey = "request_id"
	callerKey    = "caller"
)

// Caller is the authenticated user of a request.
type Caller struct {
	UserId string
	Email  string
}

func ParseRSAPublicKey(pemKey string) (*rsa.PublicKey, error) {
	return jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
}

func CallerFrom(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func RequestLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(requestIDKey),
		}
		if status >= http.StatusInternalServerError {
			l.Error("http request", args...)
			return
		}
		l.Info("http request", args...)
	}
}

// Auth verifies an RS256 access token taken from the Authorization header or
// the auth cookie. A nil key disables authentication.
func Auth(key *rsa.PublicKey, l logger.Logger) gin.HandlerFunc {
	if key == nil {
		l.Warn("no JWT public key configured, authentication disabled")
		return func(c *gin.Context) { c.Next() }
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	return func(c *gin.Context) {
		tokenStr := bearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			tokenStr, _ = c.Cookie(AuthCookieName)
		}
		if tokenStr == "" {
			l.Warn("authentication failed: no token provided", "path", c.Request.URL.Path, "method", c.Request.Method)
			abortWithError(c, apperror.ErrUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		if err != nil {
			l.Warn("authentication failed: invalid token", "path", c.Request.URL.Path, "error", err)
			abortWithError(c, apperror.New(apperror.KindForbidden, "invalid or expired token"))
			return
		}

		caller := Caller{
			UserId: claimString(claims["userId"]),
			Email:  claimString(claims["email"]),
		}
		if caller.UserId == "" {
			l.Warn("authentication failed: token carries no user id", "path", c.Request.URL.Path)
			abortWithError(c, apperror.New(apperror.KindForbidden, "invalid or expired token"))
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// claimString accepts both string and numeric user ids.
func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
