package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/repository"
)

const (
	OTPTTL         = 5 * time.Minute
	MaxOTPAttempts = 3
	MFAWindow      = 24 * time.Hour

	otpDigits = 6
)

// OTPSent подтверждает отправку, не раскрывая код.
type OTPSent struct {
	Success   bool `json:"success"`
	ExpiresIn int  `json:"expires_in"`
}

// OTPVerified возвращается при верном коде. VerifiedUntil ограничивает срок действия MFA.
type OTPVerified struct {
	Verified      bool      `json:"verified"`
	VerifiedUntil time.Time `json:"verified_until"`
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}

func validOTPFormat(code string) bool {
	if len(code) != otpDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// SendOTP отправляет администратору новый код на email. Старые неиспользованные коды сжигаются.
func (s *Service) SendOTP(ctx context.Context, auth model.AuthContext) (*OTPSent, error) {
	if err := s.requireRole(auth); err != nil {
		return nil, err
	}
	if auth.Email == "" {
		return nil, ErrUnauthenticated
	}
	if s.mailer == nil {
		return nil, ErrMailUnavailable
	}

	if err := s.repo.InvalidateOTPCodes(ctx, auth.PrincipalID); err != nil {
		return nil, fmt.Errorf("invalidate codes: %w", err)
	}

	code, err := generateOTP()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.otpCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	otp := &model.OTPCode{
		UserID:    auth.PrincipalID,
		CodeHash:  string(hash),
		ExpiresAt: s.now().Add(OTPTTL),
	}
	if err := s.repo.CreateOTPCode(ctx, otp); err != nil {
		return nil, fmt.Errorf("store code: %w", err)
	}

	if err := s.mailer.SendOTP(ctx, auth.Email, code, OTPTTL); err != nil {
		s.logger.Error("otp email not delivered", zap.String("user_id", auth.PrincipalID), zap.Error(err))
		s.burnOTP(ctx, otp.ID)
		return nil, fmt.Errorf("%w: %v", ErrMailUnavailable, err)
	}

	return &OTPSent{Success: true, ExpiresIn: int(OTPTTL.Seconds())}, nil
}

// VerifyOTP сверяет код с последним активным кодом администратора. Попытка учитывается до
// сравнения, а код сжигается при успехе или когда попытки закончились.
func (s *Service) VerifyOTP(ctx context.Context, auth model.AuthContext, code string) (*OTPVerified, error) {
	if err := s.requireRole(auth); err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if !validOTPFormat(code) {
		return nil, invalidReason("Código deve ter 6 dígitos")
	}

	otp, err := s.repo.LatestActiveOTPCode(ctx, auth.PrincipalID, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveOTP) {
			return nil, ErrCodeExpiredOrMissing
		}
		return nil, fmt.Errorf("load code: %w", err)
	}

	if otp.Attempts >= MaxOTPAttempts {
		s.burnOTP(ctx, otp.ID)
		return nil, ErrTooManyAttempts
	}

	attempts, err := s.repo.IncrementOTPAttempts(ctx, otp.ID, MaxOTPAttempts)
	if err != nil {
		if errors.Is(err, repository.ErrNoActiveOTP) {
			return nil, ErrTooManyAttempts
		}
		return nil, fmt.Errorf("count attempt: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(code)) != nil {
		remaining := MaxOTPAttempts - attempts
		if remaining <= 0 {
			s.burnOTP(ctx, otp.ID)
			remaining = 0
		}
		s.logger.Info("incorrect otp", zap.String("user_id", auth.PrincipalID), zap.Int("attempts_remaining", remaining))
		return nil, &IncorrectCodeError{AttemptsRemaining: remaining}
	}

	// параллельная проверка того же кода могла уже его использовать
	if err := s.repo.MarkOTPUsed(ctx, otp.ID); err != nil {
		if errors.Is(err, repository.ErrNoActiveOTP) {
			return nil, ErrCodeExpiredOrMissing
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}

	return &OTPVerified{Verified: true, VerifiedUntil: s.now().Add(MFAWindow)}, nil
}

func (s *Service) burnOTP(ctx context.Context, id uuid.UUID) {
	if err := s.repo.MarkOTPUsed(ctx, id); err != nil && !errors.Is(err, repository.ErrNoActiveOTP) {
		s.logger.Warn("otp not burned", zap.String("otp_id", id.String()), zap.Error(err))
	}
}
