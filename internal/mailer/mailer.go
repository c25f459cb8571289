// Package mailer отправляет транзакционные письма по SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Config содержит параметры SMTP. При пустом Host письма только логируются.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer формирует и отправляет письма через SMTP-релей.
type SMTPMailer struct {
	from   string
	dialer dialer
	logger *zap.Logger
}

// New создаёт отправщик писем по cfg.
func New(cfg Config, logger *zap.Logger) *SMTPMailer {
	m := &SMTPMailer{from: cfg.From, logger: logger}
	if cfg.Host != "" {
		m.dialer = gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	}
	return m
}

var otpTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; background-color: #f6f3ec; padding: 40px 20px;">
  <div style="max-width: 460px; margin: 0 auto; background: white; border-radius: 16px; padding: 40px;">
    <h1 style="color: #1F5C46; font-size: 24px; text-align: center;">Palestra Baby</h1>
    <p style="color: #888; font-size: 14px; text-align: center;">Painel Administrativo</p>
    <p style="color: #333; font-size: 16px;">Olá! Seu código de verificação é:</p>
    <div style="text-align: center; margin: 24px 0; letter-spacing: 8px; font-size: 32px; font-weight: bold; color: #1F5C46;">
      {{.Code}}
    </div>
    <p style="color: #666; font-size: 14px; text-align: center;">Este código expira em <strong>{{.Minutes}} minutos</strong>.</p>
    <p style="color: #999; font-size: 12px; text-align: center;">Se você não solicitou este código, ignore este email.</p>
  </div>
</body>
</html>
`))

const otpSubject = "Código de verificação - Palestra Baby Admin"

func renderOTP(code string, ttl time.Duration) (string, error) {
	var buf bytes.Buffer
	data := struct {
		Code    string
		Minutes int
	}{Code: code, Minutes: int(ttl.Minutes())}
	if err := otpTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render otp email: %w", err)
	}
	return buf.String(), nil
}

// SendOTP отправляет администратору одноразовый код.
func (m *SMTPMailer) SendOTP(ctx context.Context, to, code string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderOTP(code, ttl)
	if err != nil {
		return err
	}

	if m.dialer == nil {
		m.logger.Warn("smtp not configured, otp email not sent", zap.String("to", to))
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", otpSubject)
	msg.SetBody("text/html", body)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send otp email: %w", err)
	}
	return nil
}
