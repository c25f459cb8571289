// Package middleware содержит HTTP middleware для API интернет-магазина.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/palestrababy/storefront/internal/model"
)

type contextKey string

const authKey contextKey = "auth"

var errMissingToken = errors.New("missing bearer token")

// Claims описывает часть токена провайдера идентификации, которую читает API.
type Claims struct {
	Email       string      `json:"email"`
	AppMetadata AppMetadata `json:"app_metadata"`
	jwt.RegisteredClaims
}

// AppMetadata содержит роль. Записать её может только провайдер идентификации.
type AppMetadata struct {
	Role model.Role `json:"role"`
}

// Authenticator проверяет bearer-токены HS256 и добавляет пользователя в контекст запроса.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator создаёт Authenticator для токенов, подписанных ключом secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Parse проверяет токен и возвращает указанного в нём пользователя.
func (a *Authenticator) Parse(raw string) (model.AuthContext, error) {
	if len(a.secret) == 0 {
		return model.AuthContext{}, errors.New("auth secret is not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return model.AuthContext{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return model.AuthContext{}, errors.New("invalid token")
	}

	return model.AuthContext{
		PrincipalID: claims.Subject,
		Email:       claims.Email,
		Role:        claims.AppMetadata.Role,
	}, nil
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Middleware требует действительный bearer-токен.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "Não autenticado")
			return
		}
		auth, err := a.Parse(raw)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "Não autenticado")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
	})
}

// RequireAdmin отклоняет пользователей без роли администратора. Должен выполняться после Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthFromContext(r.Context())
		if !ok || auth.PrincipalID == "" {
			writeJSONError(w, http.StatusUnauthorized, "Não autenticado")
			return
		}
		if !auth.IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "Acesso restrito a administradores")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithAuth сохраняет пользователя в ctx.
func WithAuth(ctx context.Context, auth model.AuthContext) context.Context {
	return context.WithValue(ctx, authKey, auth)
}

// AuthFromContext извлекает пользователя, сохранённого middleware аутентификации.
func AuthFromContext(ctx context.Context) (model.AuthContext, bool) {
	auth, ok := ctx.Value(authKey).(model.AuthContext)
	return auth, ok
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
