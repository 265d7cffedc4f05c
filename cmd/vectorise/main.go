// Package main запускает HTTP-сервер платёжного ядра Vectorise.
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

	"github.com/vectorise/vectorise-payments/internal/config"
	"github.com/vectorise/vectorise-payments/internal/gateway"
	"github.com/vectorise/vectorise-payments/internal/handler"
	"github.com/vectorise/vectorise-payments/internal/middleware"
	"github.com/vectorise/vectorise-payments/internal/model"
	"github.com/vectorise/vectorise-payments/internal/repository"
	"github.com/vectorise/vectorise-payments/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gateways := map[model.Provider]gateway.Gateway{}
	if cfg.FlutterwaveSecretKey != "" {
		gateways[model.ProviderFlutterwave] = gateway.NewFlutterwave(cfg.FlutterwaveSecretKey, "")
	}
	if cfg.PaystackSecretKey != "" {
		gateways[model.ProviderPaystack] = gateway.NewPaystack(cfg.PaystackSecretKey, "")
	}

	svc := service.NewService(repo, gateways, logger, cfg.CallbackBaseURL)
	defer svc.Close()

	adminAuth := middleware.NewAdminAuth(cfg.AdminToken)
	h := handler.NewHandler(svc, gateways, logger, adminAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой сверки зависших платежей
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting vectorise payments server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
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
