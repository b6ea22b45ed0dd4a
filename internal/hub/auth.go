package hub

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/identity"
)

const (
	tokenIssuer  = "notify-hub"
	ScopePublish = "notifications:publish"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims identify the signed-in user. Scopes grant extra rights such as
// publishing.
type Claims struct {
	UserID int64    `json:"user_id"`
	Email  string   `json:"email"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) Identity() identity.Identity {
	return identity.Identity{UserID: c.UserID, Email: c.Email}
}

func (c Claims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for id valid for ttl.
func IssueToken(secret string, id identity.Identity, ttl time.Duration, scopes ...string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	id := claims.Identity()
	if !id.Resolved() {
		return Claims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing user_id or email claim"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return Claims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}
