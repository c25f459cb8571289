// Package validation проверяет и нормализует входные данные до сервисного слоя.
package validation

import (
	"errors"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/palestrababy/storefront/internal/model"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("cpf", func(fl validator.FieldLevel) bool {
		return IsValidCPF(fl.Field().String())
	})
	_ = validate.RegisterValidation("cep", func(fl validator.FieldLevel) bool {
		return IsValidCEP(fl.Field().String())
	})
	_ = validate.RegisterValidation("phone_br", func(fl validator.FieldLevel) bool {
		return IsValidPhone(fl.Field().String())
	})
	_ = validate.RegisterValidation("uf", func(fl validator.FieldLevel) bool {
		return IsValidUF(fl.Field().String())
	})
}

// FieldError описывает одно отклонённое поле запроса.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Struct проверяет s по тегам validate.
func Struct(s any) error {
	return validate.Struct(s)
}

// Checkout нормализует req на месте и проверяет его.
func Checkout(req *model.CheckoutRequest) error {
	NormalizeCheckout(req)
	return validate.Struct(req)
}

// NormalizeCheckout обрезает пробелы в тексте, оставляет в номерах документов только цифры и переводит коды в верхний регистр.
func NormalizeCheckout(req *model.CheckoutRequest) {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Email = strings.ToLower(strings.TrimSpace(req.Customer.Email))
	req.Customer.Phone = Digits(req.Customer.Phone)
	req.Customer.CPF = Digits(req.Customer.CPF)

	a := &req.Address
	a.Name = strings.TrimSpace(a.Name)
	a.CEP = Digits(a.CEP)
	a.Street = strings.TrimSpace(a.Street)
	a.Number = strings.TrimSpace(a.Number)
	a.Complement = strings.TrimSpace(a.Complement)
	a.Neighborhood = strings.TrimSpace(a.Neighborhood)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.ToUpper(strings.TrimSpace(a.State))
	if a.Name == "" {
		a.Name = req.Customer.Name
	}

	for i := range req.Items {
		req.Items[i].Size = strings.TrimSpace(req.Items[i].Size)
	}
	req.CouponCode = NormalizeCouponCode(req.CouponCode)
	req.CustomerNotes = strings.TrimSpace(req.CustomerNotes)
}

// NormalizeCouponCode возвращает код купона в том виде, в котором он хранится.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Errors раскладывает ошибку validator по полям. Для прочих ошибок возвращает nil.
func Errors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	out := make([]FieldError, 0, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, FieldError{
			Field:   field,
			Tag:     e.Tag(),
			Message: message(field, e),
		})
	}
	return out
}

func message(field string, e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "invalid email"
	case "cpf":
		return "invalid CPF"
	case "cep":
		return "CEP must have 8 digits"
	case "phone_br":
		return "phone must have 10 or 11 digits including area code"
	case "uf":
		return "state must be a valid two-letter UF"
	case "oneof":
		return field + " must be one of: " + e.Param()
	case "min":
		return field + " must be at least " + e.Param()
	case "max":
		return field + " must be at most " + e.Param()
	default:
		return field + " is invalid"
	}
}

// Digits удаляет все символы, кроме цифр.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidCEP сообщает, состоит ли s ровно из 8 цифр.
func IsValidCEP(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// IsValidPhone принимает 10 (городской) или 11 (мобильный) цифр с кодом региона.
func IsValidPhone(s string) bool {
	d := Digits(s)
	if len(d) != len(s) {
		return false
	}
	return (len(d) == 10 || len(d) == 11) && d[0] != '0'
}

var ufs = map[string]struct{}{
	"AC": {}, "AL": {}, "AP": {}, "AM": {}, "BA": {}, "CE": {}, "DF": {}, "ES": {}, "GO": {},
	"MA": {}, "MT": {}, "MS": {}, "MG": {}, "PA": {}, "PB": {}, "PR": {}, "PE": {}, "PI": {},
	"RJ": {}, "RN": {}, "RS": {}, "RO": {}, "RR": {}, "SC": {}, "SP": {}, "SE": {}, "TO": {},
}

// IsValidUF сообщает, является ли s кодом штата Бразилии.
func IsValidUF(s string) bool {
	_, ok := ufs[s]
	return ok
}
