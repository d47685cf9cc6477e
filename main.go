// Package main implements a service that watches iRacing friends and studied
// drivers and announces their sessions to configured channels.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"racebot/broadcast"
	"racebot/config"
	"racebot/dispatch"
	"racebot/iracing"
	"racebot/poll"
	"racebot/registry"
	"racebot/scraper"
	"racebot/server"
	"racebot/storage"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const fetchTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(ctx, logger); err != nil {
		logger.Error("Racebot failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "racebot.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded", "path", configPath, "channels", len(cfg.Channels), "poll_interval", cfg.Poll.Interval.String())

	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := iracing.New(cfg.IRacing.BaseURL, cfg.IRacing.Username, cfg.IRacing.Password, fetchTimeout, logger)
	if err != nil {
		if errors.Is(err, iracing.ErrNoCredentials) {
			logger.Error("IRACING_USERNAME and IRACING_PASSWORD are required")
		}
		return err
	}

	catalog := scraper.NewCatalog()
	reg := registry.New(store, logger)
	planner := broadcast.New(reg, store, catalog, logger)
	hub := dispatch.NewHub(logger)
	router := buildRouter(ctx, cfg.Channels, hub, logger)

	monitor := poll.New(client, reg, planner, router, pollChannels(cfg.Channels), cfg.Poll.OnlineOnly, logger)
	monitor.SetRefresher(&catalogRefresher{catalog: catalog, fetcher: client, logger: logger})

	if cfg.Poll.Interval > 0 {
		go monitor.Run(ctx, cfg.Poll.Interval)
	} else {
		logger.Info("Background polling disabled, use /pollz to trigger cycles")
	}

	srv := server.New(&server.Config{
		Store:      store,
		Drivers:    reg,
		Poller:     monitor,
		Feed:       hub,
		Logger:     logger,
		IsNotFound: storage.IsNotFound,
	})
	if err := srv.ListenAndServe(ctx, strconv.Itoa(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openStore returns the GCS-backed store, or a local directory store when no bucket is set.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*storage.Store, func(), error) {
	localPath := cfg.LocalPath
	// Default to local development mode if no bucket specified
	if cfg.Bucket == "" && localPath == "" {
		localPath = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localPath)
	}

	if localPath != "" {
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, nil, err
		}
		logger.Info("Running with local storage", "storage_path", localPath)
		return storage.New(nil, "", localPath, logger), func() {}, nil
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return storage.New(client, cfg.Bucket, "", logger), closeFn, nil
}

// buildRouter gives every channel the websocket feed plus its configured outputs.
func buildRouter(ctx context.Context, channels []config.ChannelConfig, hub *dispatch.Hub, logger *slog.Logger) *dispatch.Router {
	router := dispatch.NewRouter(hub, logger)

	var gmailService *gmail.Service
	for _, ch := range channels {
		if ch.Email != "" {
			svc, err := initGmailService(ctx)
			if err != nil {
				logger.Warn("Failed to initialize Gmail service, email alerts disabled", "error", err)
			}
			gmailService = svc
			break
		}
	}

	for _, ch := range channels {
		providers := dispatch.Multi{hub}
		if ch.WebhookURL != "" {
			providers = append(providers, dispatch.NewWebhookProvider(ch.WebhookURL, logger))
		}
		if ch.Email != "" && gmailService != nil {
			providers = append(providers, dispatch.NewGmailProvider(gmailService, ch.Email, logger))
		}
		if len(providers) == 1 {
			// Nothing external configured; log alerts so they are visible locally.
			providers = append(providers, dispatch.NewMockProvider(logger))
		}
		router.Route(ch.ID, providers)
	}
	return router
}

func pollChannels(channels []config.ChannelConfig) []poll.Channel {
	out := make([]poll.Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, poll.Channel{ID: ch.ID, Alerts: ch.AlertConfig})
	}
	return out
}

type catalogRefresher struct {
	catalog *scraper.Catalog
	fetcher scraper.Fetcher
	logger  *slog.Logger
}

func (r *catalogRefresher) Refresh(ctx context.Context) error {
	return r.catalog.Refresh(ctx, r.fetcher, r.logger)
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	if credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON"); credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials need the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
