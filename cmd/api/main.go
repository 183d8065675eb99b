package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agent-platform/control-api/internal/api"
	"github.com/agent-platform/control-api/internal/provisioner"
	k8sprov "github.com/agent-platform/control-api/internal/provisioner/kubernetes"
	vmprov "github.com/agent-platform/control-api/internal/provisioner/vm"
	"github.com/agent-platform/control-api/internal/reconciler"
	"github.com/agent-platform/control-api/internal/store"
	"github.com/agent-platform/control-api/internal/telegram"
	"github.com/agent-platform/control-api/pkg/config"
	"github.com/agent-platform/control-api/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(logger.Options{
		Service: "control-api",
		Env:     cfg.AppEnv,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting agent platform control api",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("provisioner", cfg.Provisioner),
	)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal("failed to open deployment store", zap.Error(err))
	}

	// The provisioner backend is chosen exactly once, here; nothing
	// re-selects it per request.
	var prov provisioner.Provisioner
	switch cfg.Provisioner {
	case "kubernetes":
		client, err := k8sprov.LoadClient()
		if err != nil {
			log.Fatal("failed to build kubernetes client", zap.Error(err))
		}
		prov = k8sprov.New(client, k8sprov.Options{
			Namespace: cfg.AgentsNamespace,
			Image:     cfg.AgentImage,
			Domain:    cfg.PlatformDomain,
		})
	case "vm":
		prov = vmprov.New(vmprov.Options{StepDelay: cfg.VMStepDelay})
	default:
		prov = provisioner.NewMock(cfg.PlatformDomain)
	}

	rec := reconciler.New(st, prov, cfg.ProvisionerTimeout)
	tg := telegram.NewClient(cfg.TelegramAPIBase)

	router := api.NewRouter(api.Dependencies{
		Store:      st,
		Reconciler: rec,
		Telegram:   tg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
