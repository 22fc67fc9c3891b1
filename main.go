package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	"github.com/ras0q/traq-scheduled-send/internal/config"
	"github.com/ras0q/traq-scheduled-send/internal/dispatcher"
	"github.com/ras0q/traq-scheduled-send/internal/filter"
	"github.com/ras0q/traq-scheduled-send/internal/handler"
	"github.com/ras0q/traq-scheduled-send/internal/platform"
	"github.com/ras0q/traq-scheduled-send/internal/repository"
	"github.com/ras0q/traq-scheduled-send/internal/retry"
	"github.com/ras0q/traq-scheduled-send/internal/token"
	"github.com/traPtitech/go-traq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	stateLength     = 16
	defaultDatabase = "scheduled_send"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exit", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, closeBackend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, err := repository.Open(ctx, backend, logger)
	if err != nil {
		return err
	}

	p := newPlatform(cfg)
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  cfg.RedirectURL,
		Scopes:       p.Scopes(),
	}
	exchanger := &token.OAuth2Exchanger{Config: oauth2Config}

	refreshPolicy := retry.Attempts(cfg.RefreshMaxAttempts)
	refreshPolicy.Retryable = token.Retryable
	tokens := &token.Manager{
		Tokens:      store.Tokens(),
		Refresher:   exchanger,
		RetryPolicy: refreshPolicy,
		Logger:      logger.With("component", "token"),
	}

	var f *filter.Filter
	if cfg.DispatchFilter != "" {
		if f, err = filter.Compile(cfg.DispatchFilter); err != nil {
			return err
		}
	}

	sendPolicy := retry.Attempts(cfg.SendMaxAttempts)
	sendPolicy.Retryable = platform.Retryable
	d := &dispatcher.Dispatcher{
		Queue:       store.Queue(),
		Tokens:      tokens,
		Sender:      p,
		Filter:      f,
		RetryPolicy: sendPolicy,
		Schedule:    cfg.DispatchSchedule,
		Logger:      logger.With("component", "dispatcher"),
	}

	h := &handler.Handler{
		SessionName:  cfg.SessionName,
		StateLength:  stateLength,
		SessionStore: sessions.NewCookieStore([]byte(cfg.SessionKey)),
		OAuth2Config: oauth2Config,
		Exchanger:    exchanger,
		Tokens:       tokens,
		Queue:        store.Queue(),
		Platform:     p,
		FrontendURL:  cfg.FrontendURL,
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := d.Start(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("Server starting...", "addr", cfg.Addr, "platform", cfg.Platform, "storage", cfg.StorageDriver)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			server.Shutdown(shutdownCtx),
			d.Stop(shutdownCtx),
		)
	})

	return eg.Wait()
}

func newBackend(ctx context.Context, cfg *config.Config) (repository.Backend, func(), error) {
	if cfg.StorageDriver != config.StorageMongo {
		return &repository.FileBackend{Path: cfg.DataFile}, func() {}, nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	closeFn := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			slog.Error("disconnect mongo", "err", err)
		}
	}

	db := client.Database(cmp.Or(cfg.Mongo.Database, defaultDatabase))
	return repository.NewMongoBackend(db, cfg.Mongo.Collection), closeFn, nil
}

func newPlatform(cfg *config.Config) platform.Platform {
	if cfg.Platform == config.PlatformSlack {
		return &platform.Slack{APIURL: cfg.SlackAPIURL}
	}

	traqConfig := traq.NewConfiguration()
	t := &platform.Traq{}
	if cfg.TraqAPIURL != "" {
		base := strings.TrimSuffix(cfg.TraqAPIURL, "/")
		traqConfig.Servers = traq.ServerConfigurations{{URL: base}}
		t.OAuth2Endpoint = &oauth2.Endpoint{
			AuthURL:  base + "/oauth2/authorize",
			TokenURL: base + "/oauth2/token",
		}
	}
	t.APIClient = traq.NewAPIClient(traqConfig)

	return t
}
