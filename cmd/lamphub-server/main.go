package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ktsuji/lamphub/internal/auditlog"
	auditrepo "github.com/ktsuji/lamphub/internal/auditlog/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/binding"
	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/config"
	"github.com/ktsuji/lamphub/internal/configsync"
	devicerepo "github.com/ktsuji/lamphub/internal/device/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/dispatch"
	"github.com/ktsuji/lamphub/internal/engine"
	"github.com/ktsuji/lamphub/internal/eventbus"
	"github.com/ktsuji/lamphub/internal/httpapi"
	"github.com/ktsuji/lamphub/internal/lifecycle"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/internal/mqtt"
	"github.com/ktsuji/lamphub/internal/pushnotification"
	pushsubrepo "github.com/ktsuji/lamphub/internal/pushsubscription/repositoryimpl"
	"github.com/ktsuji/lamphub/internal/router"
	taskrepo "github.com/ktsuji/lamphub/internal/task/repositoryimpl"
	userstatsrepo "github.com/ktsuji/lamphub/internal/userstats/repositoryimpl"
	"github.com/ktsuji/lamphub/pkg/clog"
	"github.com/ktsuji/lamphub/pkg/storage"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	var localStore *storage.LocalStorage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		localStore, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
		store = localStore
	}

	// Setup event bus
	bus := eventbus.New()

	// Setup repositories
	taskRepo := taskrepo.NewYAMLRepository(store)
	deviceRepo := devicerepo.NewYAMLRepository(store)
	auditRepo := auditrepo.NewYAMLRepository(store)
	userStatsRepo := userstatsrepo.NewYAMLRepository(store)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	// Setup engine components
	tracker := liveness.NewTracker()
	recorder := auditlog.NewRecorder(auditRepo)
	machine := lifecycle.New(taskRepo, recorder)
	bindings := binding.NewManager(deviceRepo)

	// Setup transport. The router handles inbound traffic; the dispatcher
	// and command channel publish through the same client.
	inbound := router.New(deviceRepo, userStatsRepo, machine, bindings, tracker, recorder, bus)
	transport := mqtt.NewClient(config.MQTTEnvFromEnv(env), inbound)

	dispatcher := dispatch.New(taskRepo, deviceRepo, bindings, machine, tracker, transport, recorder, bus)
	dispatcher.SetPublishTimeout(env.PublishTimeout)
	channel := command.NewChannel(transport, tracker, recorder)
	channel.SetPublishTimeout(env.PublishTimeout)

	eng := engine.New(taskRepo, deviceRepo, machine, bindings, dispatcher, channel, tracker, recorder, bus, transport)

	// Setup push notification
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := pushnotification.NewSender(vapidEnv, pushSubRepo)
	notifier := pushnotification.NewNotifier(pushSender, bus)

	srv := httpapi.NewServer(env, eng, pushSubRepo, vapidEnv)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		slog.Error("failed to start mqtt transport", "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	go dispatcher.Run(ctx)
	go notifier.Run(ctx)

	// Configuration sync only works against the local store; S3 writes do
	// not produce filesystem events.
	if localStore != nil {
		watcher := configsync.NewWatcher(deviceRepo, transport, localStore.BasePath())
		go func() {
			if err := watcher.Run(ctx); err != nil {
				slog.Error("configuration watcher error", "error", err)
			}
		}()
	}

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-transport.Fatal():
		slog.Error("mqtt transport failed", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
