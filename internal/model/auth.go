package model

import "time"

// Role описывает роль, выданную провайдером идентификации.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// AuthContext содержит проверенные данные пользователя и явно передаётся в каждый привилегированный вызов.
type AuthContext struct {
	PrincipalID      string
	Email            string
	Role             Role
	MFAVerifiedUntil time.Time
}

// IsAdmin сообщает, есть ли у пользователя роль администратора.
func (a AuthContext) IsAdmin() bool {
	return a.PrincipalID != "" && a.Role == RoleAdmin
}

// MFAVerified сообщает, действует ли ещё подтверждение второго фактора на момент now.
func (a AuthContext) MFAVerified(now time.Time) bool {
	return !a.MFAVerifiedUntil.IsZero() && now.Before(a.MFAVerifiedUntil)
}
