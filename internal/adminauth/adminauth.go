// Package adminauth issues and verifies the bearer tokens that protect the
// gateway's admin routes. A token is minted only in exchange for the admin
// secret, which is configured as a bcrypt hash.
package adminauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer       = "paygate"
	tokenType    = "admin"
	ctxClaimsKey = "paygate_admin_claims"
)

var (
	// ErrBadSecret is returned when the presented admin secret does not match.
	ErrBadSecret = errors.New("invalid admin secret")

	// ErrDisabled is returned when no admin secret is configured.
	ErrDisabled = errors.New("admin access disabled")
)

// Claims are the JWT claims of an admin token.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// Issuer exchanges the admin secret for HS256 tokens and verifies them.
type Issuer struct {
	secretHash []byte
	key        []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewIssuer creates an Issuer. An empty secretHash disables token issuance.
func NewIssuer(secretHash string, key []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Issuer{
		secretHash: []byte(secretHash),
		key:        key,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Enabled reports whether an admin secret is configured.
func (i *Issuer) Enabled() bool {
	return len(i.secretHash) > 0
}

// Exchange checks secret against the configured hash and returns a signed
// token with its expiry.
func (i *Issuer) Exchange(secret string) (string, time.Time, error) {
	if !i.Enabled() {
		return "", time.Time{}, ErrDisabled
	}
	if err := bcrypt.CompareHashAndPassword(i.secretHash, []byte(secret)); err != nil {
		return "", time.Time{}, ErrBadSecret
	}

	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Type: tokenType,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates an admin token.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.key, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != tokenType {
		return nil, errors.New("not an admin token")
	}
	return claims, nil
}

// HashSecret returns the bcrypt hash to configure for secret.
func HashSecret(secret string) (string, error) {
	if len(secret) < 16 {
		return "", errors.New("admin secret must be at least 16 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin secret: %w", err)
	}
	return string(h), nil
}

// RequireAdmin returns a Gin middleware that enforces a valid admin token.
func RequireAdmin(i *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer admin token required",
			})
			return
		}

		claims, err := i.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid admin token",
			})
			return
		}
		c.Set(ctxClaimsKey, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the admin claims injected by RequireAdmin, or nil.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaimsKey)
	claims, _ := v.(*Claims)
	return claims
}
