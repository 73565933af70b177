package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net/http"
)

const adminTokenHeader = "X-Admin-Token"

// AdminAuth проверяет токен администратора в заголовке запроса.
type AdminAuth struct {
	tokenMAC []byte
	key      []byte
}

// NewAdminAuth создаёт middleware проверки административного токена.
// Пустой токен означает случайный: административный доступ при этом
// фактически закрыт, пока токен не задан в конфигурации.
func NewAdminAuth(token string) *AdminAuth {
	if token == "" {
		random := make([]byte, 32)
		_, _ = rand.Read(random)
		token = string(random)
	}

	key := make([]byte, 32)
	_, _ = rand.Read(key)

	return &AdminAuth{
		tokenMAC: sign(key, token),
		key:      key,
	}
}

func sign(key []byte, token string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(token))
	return mac.Sum(nil)
}

// Middleware пропускает запрос только с корректным токеном администратора.
// Сравнение выполняется через HMAC, чтобы исключить утечку по времени ответа.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(adminTokenHeader)
		if presented == "" || !hmac.Equal(a.tokenMAC, sign(a.key, presented)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
