package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-nwkcore/internal/capability"
	"zigbee-nwkcore/internal/codec"
	"zigbee-nwkcore/internal/coordinator"
	"zigbee-nwkcore/internal/groups"
	"zigbee-nwkcore/internal/hostdb"
	"zigbee-nwkcore/internal/store"
	"zigbee-nwkcore/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Presence    bool   `yaml:"presence"`
	} `yaml:"mqtt"`
	Web struct {
		Enabled        bool     `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	HostDB struct {
		Enabled     bool   `yaml:"enabled"`
		Path        string `yaml:"path"`
		HardwareID  int    `yaml:"hardware_id"`
		BusyTimeout int    `yaml:"busy_timeout"` // seconds
	} `yaml:"hostdb"`
	Groups struct {
		File               string `yaml:"file"`
		PreferHostDatabase bool   `yaml:"prefer_host_database"`
	} `yaml:"groups"`
	Controller struct {
		IEEE string `yaml:"ieee"`
	} `yaml:"controller"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	CapabilityDir    string        `yaml:"capability_dir"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	PageTimeout      time.Duration `yaml:"page_timeout"`
}

func (c *Config) validate() error {
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.HostDB.Enabled && c.HostDB.Path == "" {
		return fmt.Errorf("hostdb.path is required when hostdb is enabled")
	}
	if c.Controller.IEEE != "" {
		if _, err := codec.ParseIEEE(c.Controller.IEEE); err != nil {
			return fmt.Errorf("controller.ieee: %w", err)
		}
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot_interval must not be negative")
	}
	if c.PageTimeout < 0 {
		return fmt.Errorf("page_timeout must not be negative")
	}
	return nil
}

func (c *Config) controllerIEEE() codec.IEEE {
	if c.Controller.IEEE == "" {
		return 0
	}
	ieee, _ := codec.ParseIEEE(c.Controller.IEEE)
	return ieee
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

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-nwkcore starting", "version", version)

	overrides, err := capability.LoadDir(cfg.CapabilityDir, logger)
	if err != nil {
		logger.Error("load capability overrides", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Group snapshots go to the host database when there is one.
	var configStore store.ConfigStore = db
	if cfg.HostDB.Enabled {
		host, err := hostdb.Open(hostdb.Config{
			Path:        cfg.HostDB.Path,
			HardwareID:  cfg.HostDB.HardwareID,
			BusyTimeout: cfg.HostDB.BusyTimeout,
		})
		if err != nil {
			logger.Error("open host database", "err", err)
			os.Exit(1)
		}
		defer host.Close()
		configStore = host
	}
	persister := groups.NewPersister(cfg.Groups.File, configStore, cfg.Groups.PreferHostDatabase, logger)

	coord, err := coordinator.New(coordinator.Config{
		Controller:  cfg.controllerIEEE(),
		PageTimeout: cfg.PageTimeout,
		Overrides:   overrides,
	}, db, persister, logger)
	if err != nil {
		logger.Error("create coordinator", "err", err)
		os.Exit(1)
	}
	if err := coord.Load(); err != nil {
		logger.Error("load snapshot", "err", err)
		os.Exit(1)
	}
	logger.Info("coordinator ready", "devices", len(coord.Devices()), "groups", len(coord.Groups()))

	webServer, httpServer := startWeb(coord, cfg, logger)

	// Frame transport; a no-op when built with the no_mqtt tag.
	stopMQTT := startMQTT(coord, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runSnapshots(ctx, coord, cfg.SnapshotInterval, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	<-done
	stopMQTT()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		shutdownCancel()
		webServer.Stop()
	}
	if err := coord.Save(); err != nil {
		logger.Error("save snapshot", "err", err)
	}

	logger.Info("goodbye")
}

// startWeb serves the inspection API when enabled.
func startWeb(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*web.Server, *http.Server) {
	if !cfg.Web.Enabled {
		return nil, nil
	}
	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webServer := web.NewServer(coord, logger, webOpts...)

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
	return webServer, httpServer
}

// runSnapshots saves the coordinator state every interval until ctx ends.
func runSnapshots(ctx context.Context, coord *coordinator.Coordinator, interval time.Duration, logger *slog.Logger) {
	if interval == 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := coord.Save(); err != nil {
				logger.Error("periodic snapshot", "err", err)
			}
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-nwkcore.db"
	}
	if cfg.HostDB.HardwareID == 0 {
		cfg.HostDB.HardwareID = 1
	}
	if cfg.Groups.File == "" {
		cfg.Groups.File = "GroupsList.json"
	}
	if cfg.CapabilityDir == "" {
		cfg.CapabilityDir = "capabilities"
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-nwkcore"
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
