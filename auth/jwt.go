package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/middleware"
	"github.com/Digital-Creators-Team/reward-module/types"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Context keys for account information
const (
	AccountIDKey = middleware.AccountIDKey
	UsernameKey  = "username"
	ClaimsKey    = "claims"
)

var (
	errMissingToken = errors.New("missing token")
	errBadFormat    = errors.New("invalid Authorization header format. Expected: Bearer <token>")
)

// Claims represents the JWT claims structure
type Claims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT middleware configuration
type JWTConfig struct {
	Secret      string
	TokenLookup []string // "header:Authorization", "query:token"
	TokenPrefix string   // "Bearer"
	SkipPaths   []string
}

// DefaultJWTConfig returns default JWT configuration. The query lookup serves
// EventSource and WebSocket clients, which cannot set headers.
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret:      secret,
		TokenLookup: []string{"header:Authorization", "query:token"},
		TokenPrefix: "Bearer",
		SkipPaths:   []string{"/health", "/metrics"},
	}
}

// JWTMiddleware creates a JWT authentication middleware
func JWTMiddleware(secret string, logger zerolog.Logger) gin.HandlerFunc {
	return JWTMiddlewareWithConfig(DefaultJWTConfig(secret), logger)
}

// JWTMiddlewareWithConfig creates a JWT middleware with custom configuration
func JWTMiddlewareWithConfig(config JWTConfig, logger zerolog.Logger) gin.HandlerFunc {
	skipPaths := make(map[string]bool)
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenString, err := extractToken(c, config)
		if err != nil {
			logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Rejected request without a usable token")
			unauthorized(c, capitalize(err.Error()))
			return
		}

		claims, err := ParseToken(config.Secret, tokenString)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to parse JWT token")
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(AccountIDKey, claims.AccountID)
		c.Set(UsernameKey, claims.Username)
		c.Set(ClaimsKey, claims)

		logger.Debug().
			Str("account_id", claims.AccountID).
			Msg("JWT authentication successful")

		c.Next()
	}
}

func extractToken(c *gin.Context, config JWTConfig) (string, error) {
	for _, lookup := range config.TokenLookup {
		source, name, ok := strings.Cut(lookup, ":")
		if !ok {
			continue
		}
		switch source {
		case "header":
			value := c.GetHeader(name)
			if value == "" {
				continue
			}
			prefix, token, ok := strings.Cut(value, " ")
			if !ok || prefix != config.TokenPrefix || token == "" {
				return "", errBadFormat
			}
			return token, nil
		case "query":
			if token := c.Query(name); token != "" {
				return token, nil
			}
		}
	}
	return "", errMissingToken
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.AccountID == "" {
		return nil, errors.New("token has no account_id")
	}
	return claims, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
		StatusCode: http.StatusUnauthorized,
		IsSuccess:  false,
		Error: types.ErrorDetail{
			Timestamp:    time.Now().Format(time.RFC3339),
			Path:         c.Request.URL.Path,
			ErrorMessage: message,
			ErrorCode:    http.StatusUnauthorized,
		},
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// GetAccountID extracts the account id from context
func GetAccountID(c *gin.Context) (string, bool) {
	id := c.GetString(AccountIDKey)
	return id, id != ""
}

// GetClaims extracts full claims from context
func GetClaims(c *gin.Context) (*Claims, bool) {
	claims, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claimsObj, ok := claims.(*Claims)
	return claimsObj, ok
}

// GenerateToken generates a new JWT token
func GenerateToken(secret, accountID, username string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		AccountID: accountID,
		Username:  username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
