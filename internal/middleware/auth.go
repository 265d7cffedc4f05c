// Package middleware содержит HTTP middleware платёжного ядра Vectorise.
package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// AdminAuth проверяет административный bearer-токен.
// Используется только служебными эндпоинтами вроде создания партнёров.
type AdminAuth struct {
	token []byte
}

// NewAdminAuth создаёт middleware с указанным токеном.
// Пустой токен запрещает доступ ко всем защищённым эндпоинтам.
func NewAdminAuth(token string) *AdminAuth {
	return &AdminAuth{token: []byte(token)}
}

// Middleware пропускает запрос только с корректным заголовком Authorization.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.token) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		header := r.Header.Get("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		if !hmac.Equal([]byte(provided), a.token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
