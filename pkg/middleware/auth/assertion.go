package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// checkAssertion validates an HS256 bearer assertion signed with the shared
// secret. Issuer/audience checks apply only when configured.
func (m *Middleware) checkAssertion(r *http.Request) error {
	raw := bearerToken(r)
	if raw == "" {
		return ErrDenied
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
	)

	var claims jwt.RegisteredClaims
	tok, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return m.token, nil
	})
	if err != nil || !tok.Valid {
		return ErrDenied
	}

	if m.issuer != "" && claims.Issuer != m.issuer {
		return ErrDenied
	}

	if m.audience != "" {
		found := false
		for _, a := range claims.Audience {
			if a == m.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrDenied
		}
	}

	return nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
