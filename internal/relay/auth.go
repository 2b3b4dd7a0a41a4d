package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"

	"livesync/internal/apperr"
)

const (
	issuer     = "livesync-relay"
	defaultTTL = 72 * time.Hour
	userKey    = "userId"
	roleKey    = "role"

	// RoleService marks tokens of backend producers, which may raise
	// notifications for any user.
	RoleService = "service"
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth issues and validates the bearer tokens used by REST calls and the
// push channel.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

func NewAuth(secret string, ttl time.Duration) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Auth{secret: []byte(secret), ttl: ttl}, nil
}

func (a *Auth) Sign(userID string) (string, error) {
	return a.sign(userID, "")
}

// SignService issues a token for a backend producer named name.
func (a *Auth) SignService(name string) (string, error) {
	return a.sign(name, RoleService)
}

func (a *Auth) sign(userID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates token and returns the user it was issued for.
func (a *Auth) Parse(token string) (string, error) {
	c, err := a.ParseClaims(token)
	if err != nil {
		return "", err
	}
	return c.UserID, nil
}

func (a *Auth) ParseClaims(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.UserID == "" {
		return nil, fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	}
	return c, nil
}

// bearer extracts the token from the Authorization header, or from the
// token query parameter for clients that cannot set headers on upgrade.
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return c.Query("token")
}

// Middleware rejects requests without a valid token and stores the caller's
// id in the context.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearer(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization token missing"})
			return
		}
		claims, err := a.ParseClaims(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(userKey, claims.UserID)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userKey)
}

func currentRole(c *gin.Context) string {
	return c.GetString(roleKey)
}
