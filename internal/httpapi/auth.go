package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the operator behind a request.
type Principal struct {
	Actor string
	Roles []string
}

type principalKey struct{}

type operatorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func authenticate(token, secret, issuer string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	claims := &operatorClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Actor: claims.Subject, Roles: claims.Roles}, nil
}

// RequireOperator rejects requests without a valid HS256 bearer token. The
// token subject becomes the actor recorded in audit entries.
func (d Deps) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			WriteError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		secret, err := d.JWTSecret()
		if err != nil {
			d.Log.Error("jwt secret unavailable", "err", err)
			WriteError(w, r, http.StatusServiceUnavailable, "auth_unavailable", "operator authentication is not configured")
			return
		}
		p, err := authenticate(token, secret, d.config().Auth.Issuer)
		if err != nil {
			WriteError(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// IssueToken signs an operator token. Used by the CLI and tests.
func IssueToken(secret, issuer, subject string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	if issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims{RegisteredClaims: claims}).SignedString([]byte(secret))
}
