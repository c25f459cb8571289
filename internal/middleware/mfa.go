package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	mfaCookieName = "admin_mfa"
	mfaCookiePath = "/api/admin"
)

// MFACookie подписывает и читает флаг второго фактора администратора. Флаг связывает идентификатор
// администратора с моментом проверки кода и действует в течение window после него.
type MFACookie struct {
	secretKey []byte
	window    time.Duration
	secure    bool
	now       func() time.Time
}

// NewMFACookie создаёт MFACookie. При пустом secret генерируется случайный ключ процесса, поэтому
// флаги не переживают перезапуск.
func NewMFACookie(secret string, window time.Duration, secure bool) *MFACookie {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}

	return &MFACookie{
		secretKey: key,
		window:    window,
		secure:    secure,
		now:       time.Now,
	}
}

// Set записывает флаг для userID, подтверждённого в момент verifiedAt.
func (m *MFACookie) Set(w http.ResponseWriter, userID string, verifiedAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     mfaCookieName,
		Value:    m.sign(userID, verifiedAt),
		Path:     mfaCookiePath,
		Expires:  verifiedAt.Add(m.window),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear удаляет флаг.
func (m *MFACookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     mfaCookieName,
		Value:    "",
		Path:     mfaCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Middleware переносит действующий флаг в данные пользователя из контекста. Запрос никогда не
// отклоняется: какие операции требуют второго фактора, решает сервис.
func (m *MFACookie) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(mfaCookieName)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		userID, verifiedAt, ok := m.parse(cookie.Value)
		if !ok || userID != auth.PrincipalID {
			next.ServeHTTP(w, r)
			return
		}

		until := verifiedAt.Add(m.window)
		if !m.now().Before(until) {
			next.ServeHTTP(w, r)
			return
		}

		auth.MFAVerifiedUntil = until
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
	})
}

func (m *MFACookie) sign(userID string, verifiedAt time.Time) string {
	payload := userID + "|" + strconv.FormatInt(verifiedAt.Unix(), 10)
	return payload + "." + m.signature(payload)
}

func (m *MFACookie) signature(payload string) string {
	mac := hmac.New(sha256.New, m.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MFACookie) parse(value string) (string, time.Time, bool) {
	i := strings.LastIndexByte(value, '.')
	if i < 0 {
		return "", time.Time{}, false
	}
	payload, signature := value[:i], value[i+1:]

	if !hmac.Equal([]byte(signature), []byte(m.signature(payload))) {
		return "", time.Time{}, false
	}

	userID, ts, ok := strings.Cut(payload, "|")
	if !ok || userID == "" {
		return "", time.Time{}, false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}

	return userID, time.Unix(unix, 0), true
}
