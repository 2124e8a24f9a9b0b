package main

import (
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

	"gopkg.in/yaml.v3"

	"github.com/davidashman/homebridge-intellifire2/internal/cloud"
	"github.com/davidashman/homebridge-intellifire2/internal/discovery"
	"github.com/davidashman/homebridge-intellifire2/internal/events"
	"github.com/davidashman/homebridge-intellifire2/internal/fireplace"
	"github.com/davidashman/homebridge-intellifire2/internal/local"
	"github.com/davidashman/homebridge-intellifire2/internal/store"
	"github.com/davidashman/homebridge-intellifire2/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Cloud struct {
		BaseURL  string `yaml:"base_url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`

		// Pre-obtained session cookies, used instead of a credential login.
		User        string `yaml:"user"`
		AuthCookie  string `yaml:"auth_cookie"`
		WebClientID string `yaml:"web_client_id"`
	} `yaml:"cloud"`
	Discovery struct {
		Enabled   bool   `yaml:"enabled"`
		Listen    string `yaml:"listen"`
		Broadcast string `yaml:"broadcast"`
		Refresh   string `yaml:"refresh"`
	} `yaml:"discovery"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("intellifired starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	creds, err := resolveCredentials(cfg, db, logger)
	if err != nil {
		logger.Error("cloud credentials", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)

	// Cloud session and relay client.
	sess, err := cloud.NewSession(cfg.Cloud.BaseURL, creds, bus, logger)
	if err != nil {
		logger.Error("create cloud session", "err", err)
		os.Exit(1)
	}
	cloudClient := cloud.NewClient(sess, logger)

	// LAN discovery and the local transport it resolves IPs for.
	var discOpts []discovery.Option
	if cfg.Discovery.Listen != "" || cfg.Discovery.Broadcast != "" {
		discOpts = append(discOpts, discovery.WithAddrs(cfg.Discovery.Listen, cfg.Discovery.Broadcast))
	}
	if cfg.Discovery.Refresh != "" {
		if d, err := time.ParseDuration(cfg.Discovery.Refresh); err == nil {
			discOpts = append(discOpts, discovery.WithRefresh(d))
		} else {
			logger.Warn("invalid discovery.refresh, using default", "value", cfg.Discovery.Refresh)
		}
	}
	disc := discovery.NewService(bus, logger, discOpts...)
	localClient := local.NewClient(disc, creds.User, logger)

	router := fireplace.NewRouter(sess, cloudClient, localClient, logger)
	ctrl := fireplace.NewController(router, cloudClient, db, bus, logger)

	if cfg.Discovery.Enabled {
		if err := disc.Start(); err != nil {
			logger.Error("start discovery", "err", err)
			os.Exit(1)
		}
	}

	if err := ctrl.Start(); err != nil {
		logger.Error("start controller", "err", err)
		os.Exit(1)
	}
	sess.Start()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(ctrl, bus, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithCloudStatus(sess),
		web.WithVersion(version),
	}
	if cfg.Discovery.Enabled {
		webOpts = append(webOpts, web.WithDiscovery(disc))
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(ctrl, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ctrl.Stop()
	sess.Stop()
	if cfg.Discovery.Enabled {
		disc.Stop()
	}

	logger.Info("goodbye")
}

// resolveCredentials builds the cloud credentials from config, falling back
// to the persisted session when the config carries none. Cookie values given
// in the config are saved so later runs can omit them.
func resolveCredentials(cfg *Config, db *store.BoltStore, logger *slog.Logger) (cloud.Credentials, error) {
	creds := cloud.Credentials{
		Username:    cfg.Cloud.Username,
		Password:    cfg.Cloud.Password,
		User:        cfg.Cloud.User,
		AuthCookie:  cfg.Cloud.AuthCookie,
		WebClientID: cfg.Cloud.WebClientID,
	}

	if creds.User != "" && creds.AuthCookie != "" && creds.WebClientID != "" {
		if err := db.SaveSession(&store.Session{
			User:        creds.User,
			AuthCookie:  creds.AuthCookie,
			WebClientID: creds.WebClientID,
		}); err != nil {
			logger.Warn("persist session cookies", "err", err)
		}
		return creds, nil
	}

	if creds.Username != "" && creds.Password != "" {
		return creds, nil
	}

	saved, err := db.GetSession()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return creds, fmt.Errorf("no credentials configured and no saved session")
		}
		return creds, err
	}
	logger.Info("using saved session cookies", "user", saved.User)
	creds.User = saved.User
	creds.AuthCookie = saved.AuthCookie
	creds.WebClientID = saved.WebClientID
	return creds, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	cfg.Discovery.Enabled = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "intellifired.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "intellifire"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
