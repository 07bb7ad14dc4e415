// Package auth defines the connection admission hook consumed by the
// transports. The core treats the hook as an opaque predicate: it either
// accepts the connection scope or it does not.
package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ConnectionScope is the connection-phase metadata handed to the hook. It
// deliberately excludes the request body; admission decisions are made from
// transport metadata only.
type ConnectionScope struct {
	RemoteAddr string
	Header     http.Header
	Query      url.Values
}

// Hook decides whether a connection is admitted. A nil hook admits
// everything.
type Hook func(scope *ConnectionScope) bool

// BearerToken extracts the credential from the scope: the Authorization
// header's Bearer value, or the token query parameter as a fallback for
// browser EventSource clients that cannot set headers.
func (s *ConnectionScope) BearerToken() string {
	if h := s.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return s.Query.Get("token")
}

// JWTBearer returns a hook that admits connections presenting a valid
// HS256-signed JWT. Expiry and not-before claims are enforced by the
// parser.
func JWTBearer(secret []byte) Hook {
	return func(scope *ConnectionScope) bool {
		token, err := parseHS256(secret, scope.BearerToken())
		return err == nil && token.Valid
	}
}

// Subject returns the sub claim of a verified token, or "" when the token
// is absent or invalid. Handlers use it to attribute actions to a user.
func Subject(secret []byte, raw string) string {
	token, err := parseHS256(secret, raw)
	if err != nil || !token.Valid {
		return ""
	}
	sub, _ := token.Claims.GetSubject()
	return sub
}

func parseHS256(secret []byte, raw string) (*jwt.Token, error) {
	if raw == "" {
		return nil, jwt.ErrTokenMalformed
	}
	return jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
}
