package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// ErrInvalidSignature возвращается, если заголовок x-signature не совпадает с настроенным секретом.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Notification описывает то, на что указывает доставка вебхука. Её статусу, если он есть, не доверяем.
type Notification struct {
	Type   string
	DataID string
}

// IsPayment сообщает, относится ли уведомление к платежу.
func (n Notification) IsPayment() bool {
	return n.Type == "payment" && n.DataID != ""
}

type notificationBody struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ParseNotification читает type (или topic) и data.id из query-строки, а недостающее берёт
// из JSON-тела. Тела, которые не удаётся разобрать, игнорируются.
func ParseNotification(query url.Values, body []byte) Notification {
	n := Notification{
		Type:   query.Get("type"),
		DataID: query.Get("data.id"),
	}
	if n.Type == "" {
		n.Type = query.Get("topic")
	}
	if n.DataID == "" {
		n.DataID = query.Get("id")
	}
	if n.Type != "" && n.DataID != "" {
		return n
	}

	var b notificationBody
	if len(body) == 0 || json.Unmarshal(body, &b) != nil {
		return n
	}
	if n.Type == "" {
		n.Type = b.Type
		if n.Type == "" {
			n.Type = b.Topic
		}
	}
	if n.DataID == "" && len(b.Data.ID) > 0 {
		n.DataID = strings.Trim(string(b.Data.ID), `"`)
	}
	return n
}

// VerifySignature сверяет заголовок x-signature ("ts=...,v1=...") с подписью HMAC-SHA256
// строки "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func VerifySignature(secret, header, requestID, dataID string) error {
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return ErrInvalidSignature
	}

	want, err := hex.DecodeString(v1)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrInvalidSignature
	}
	return nil
}

func signatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// Sign формирует значение заголовка x-signature для указанных частей строки.
func Sign(secret, requestID, dataID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
