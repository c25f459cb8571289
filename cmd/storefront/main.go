// Package main запускает HTTP-сервер интернет-магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/palestrababy/storefront/internal/config"
	"github.com/palestrababy/storefront/internal/handler"
	"github.com/palestrababy/storefront/internal/mailer"
	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/middleware"
	"github.com/palestrababy/storefront/internal/repository"
	"github.com/palestrababy/storefront/internal/service"
	"github.com/palestrababy/storefront/internal/shipping"
	"github.com/palestrababy/storefront/internal/viacep"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	gateway := mercadopago.NewClient(mercadopago.Config{
		BaseURL:         cfg.MPAPIURL,
		AccessToken:     cfg.MPAccessToken,
		SiteURL:         cfg.SiteURL,
		NotificationURL: cfg.NotificationURL,
	}, logger)

	var mail service.Mailer
	if cfg.SMTPHost != "" {
		mail = mailer.New(mailer.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}, logger)
	} else {
		sugar.Warn("SMTP_HOST not set, admin passcodes cannot be delivered")
	}

	opts := []service.Option{
		service.WithAddressLookup(viacep.NewClient(cfg.ViaCEPURL)),
		service.WithStaleAfter(cfg.StalePendingAfter),
		service.WithSandboxCheckout(cfg.MPSandbox),
	}
	if cfg.MelhorEnvioToken != "" {
		opts = append(opts, service.WithRateQuoter(shipping.NewClient(cfg.MelhorEnvioURL, cfg.MelhorEnvioToken, cfg.StorePostalCode)))
	} else {
		sugar.Warn("MELHOR_ENVIO_TOKEN not set, shipping quotes disabled")
	}

	svc := service.NewService(repo, gateway, mail, logger, opts...)
	defer svc.Close()

	if cfg.MPWebhookSecret == "" {
		sugar.Warn("MP_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}

	checkoutLimiter := middleware.NewRateLimiter(rate.Every(time.Minute/time.Duration(cfg.CheckoutPerMinute)), cfg.CheckoutPerMinute)
	otpLimiter := middleware.NewRateLimiter(rate.Every(time.Minute), 5)

	h := handler.NewHandler(svc, logger,
		middleware.NewAuthenticator(cfg.JWTSecret),
		middleware.NewMFACookie(cfg.MFACookieSecret, service.MFAWindow, cfg.SecureCookies),
		handler.WithWebhookSecret(cfg.MPWebhookSecret),
		handler.WithCheckoutLimiter(checkoutLimiter),
		handler.WithOTPLimiter(otpLimiter),
	)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.StartPendingSweep(ctx, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		checkoutLimiter.Cleanup(ctx)
		return nil
	})

	g.Go(func() error {
		otpLimiter.Cleanup(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting storefront server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown по сигналу или при ошибке в другой горутине
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
