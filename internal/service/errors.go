package service

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/palestrababy/storefront/internal/repository"
	"github.com/palestrababy/storefront/internal/validation"
)

// Ошибки валидации.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidStatus = errors.New("invalid order status")
)

// Ошибки целостности. Показываются покупателю как есть.
var (
	ErrProductUnavailable  = errors.New("product unavailable")
	ErrSizeUnavailable     = errors.New("size unavailable")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrCouponInvalid       = errors.New("coupon invalid")
	ErrCouponExhausted     = errors.New("coupon exhausted")
	ErrCouponMinimumNotMet = errors.New("coupon minimum order value not met")
	ErrCouponExists        = repository.ErrCouponExists
	ErrPaymentExists       = errors.New("order already has a payment")
)

// Ошибки внешних зависимостей.
var (
	ErrPaymentGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrMailUnavailable           = errors.New("mail delivery unavailable")
	ErrLookupUnavailable         = errors.New("lookup service unavailable")
)

// Ошибки авторизации.
var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrForbidden            = errors.New("forbidden")
	ErrMFARequired          = errors.New("mfa verification required")
	ErrCodeExpiredOrMissing = errors.New("code expired or missing")
	ErrTooManyAttempts      = errors.New("too many attempts")
	ErrIncorrectCode        = errors.New("incorrect code")
)

// Ошибки поиска.
var (
	ErrNotFound      = repository.ErrNotFound
	ErrOrderNotFound = repository.ErrOrderNotFound
)

// InputError содержит отклонённые поля запроса.
type InputError struct {
	Fields []validation.FieldError
	Reason string
}

func (e *InputError) Error() string {
	if e.Reason != "" {
		return "invalid input: " + e.Reason
	}
	if len(e.Fields) > 0 {
		return "invalid input: " + e.Fields[0].Message
	}
	return "invalid input"
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

func invalidInput(err error) error {
	return &InputError{Fields: validation.Errors(err), Reason: reasonOf(err)}
}

func invalidReason(reason string) error {
	return &InputError{Reason: reason}
}

func reasonOf(err error) string {
	if len(validation.Errors(err)) > 0 {
		return ""
	}
	return err.Error()
}

// LineError описывает нарушение целостности одной строки корзины.
type LineError struct {
	Err         error
	ProductID   uuid.UUID
	ProductName string
	Size        string
	Requested   int
	Available   int
}

func (e *LineError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID.String()
	}
	switch e.Err {
	case ErrProductUnavailable:
		return fmt.Sprintf("Produto indisponível: %q", name)
	case ErrSizeUnavailable:
		return fmt.Sprintf("Tamanho %s indisponível para %q", e.Size, name)
	case ErrInsufficientStock:
		return fmt.Sprintf("Estoque insuficiente para %q tam. %s (disponível: %d)", name, e.Size, e.Available)
	}
	return e.Err.Error()
}

func (e *LineError) Unwrap() error { return e.Err }

// CouponError объясняет, почему купон не принят.
type CouponError struct {
	Err  error
	Code string
	Min  string
}

func (e *CouponError) Error() string {
	switch e.Err {
	case ErrCouponExhausted:
		return fmt.Sprintf("Cupom %s esgotado", e.Code)
	case ErrCouponMinimumNotMet:
		return fmt.Sprintf("Cupom %s exige pedido mínimo de R$ %s", e.Code, e.Min)
	}
	return fmt.Sprintf("Cupom %s inválido ou expirado", e.Code)
}

func (e *CouponError) Unwrap() error { return e.Err }

// IncorrectCodeError сообщает о неверном коде и оставшемся числе попыток.
type IncorrectCodeError struct {
	AttemptsRemaining int
}

func (e *IncorrectCodeError) Error() string {
	return fmt.Sprintf("incorrect code, %d attempts remaining", e.AttemptsRemaining)
}

func (e *IncorrectCodeError) Unwrap() error { return ErrIncorrectCode }

// GatewayError описывает сбой платёжного шлюза после записи заказа.
// Заказ остаётся в ожидании без идентификатора платежа.
type GatewayError struct {
	OrderID uuid.UUID
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway unavailable for order %s: %v", e.OrderID, e.Err)
}

func (e *GatewayError) Unwrap() []error { return []error{ErrPaymentGatewayUnavailable, e.Err} }
