package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"signpost-index/engine"
)

const (
	defaultDB       = "signpost-index.db"
	defaultHTTPAddr = "127.0.0.1:8080"
	defaultLogLevel = "info"
)

// settings is the file config with command-line overrides applied. A flag
// only wins when it was set explicitly.
type settings struct {
	file     *engine.FileConfig
	DB       string
	HTTPAddr string
	Debug    bool
	LogLevel string
}

type globalFlags struct {
	configPath string
	db         string
	debug      bool
	logLevel   string
	httpAddr   string
	timeout    time.Duration
}

func resolveSettings(cmd *cobra.Command, f *globalFlags) (*settings, error) {
	fileCfg := &engine.FileConfig{}
	if strings.TrimSpace(f.configPath) != "" {
		cfg, err := engine.LoadConfig(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		fileCfg = cfg
	}

	s := &settings{
		file:     fileCfg,
		DB:       fileCfg.DB,
		HTTPAddr: fileCfg.HTTPAddr,
		Debug:    fileCfg.Debug,
		LogLevel: fileCfg.LogLevel,
	}
	if s.DB == "" {
		s.DB = defaultDB
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = defaultHTTPAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = defaultLogLevel
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("db") {
		s.DB = f.db
	}
	if changed("debug") {
		s.Debug = f.debug
	}
	if changed("log-level") {
		s.LogLevel = f.logLevel
	}
	if changed("http-addr") {
		s.HTTPAddr = f.httpAddr
	}
	if s.Debug {
		s.LogLevel = "debug"
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		return nil, err
	}
	return s, nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: want debug, info, warn or error", s)
	}
	return lvl, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// app owns everything opened for one command invocation.
type app struct {
	settings *settings
	log      *slog.Logger
	db       *gorm.DB
	eng      *engine.Engine
}

// openApp opens the database, syncs the signpost catalog and registers the
// configured presets. reg may be nil for one-shot commands.
func openApp(ctx context.Context, s *settings, reg prometheus.Registerer) (*app, error) {
	logger := newLogger(os.Stderr, s.LogLevel)
	slog.SetDefault(logger)

	sps, err := engine.BuildCatalog(s.file.Signposts)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	presets := engine.NewPresetRegistry()
	if err := s.file.RegisterPresets(presets); err != nil {
		return nil, err
	}

	db, err := engine.OpenDB(s.DB)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", s.DB, err)
	}
	if err := engine.SyncCatalog(ctx, db, sps); err != nil {
		_ = engine.CloseDB(db)
		return nil, fmt.Errorf("sync catalog: %w", err)
	}
	if len(sps) == 0 {
		logger.Warn("config has no signposts; every index will be insufficient")
	}

	var sink engine.AuditSink
	if addr := strings.TrimSpace(s.file.Audit.SyslogAddr); addr != "" {
		sink = engine.NewSyslogAuditSink(addr, s.file.Audit.Service, s.file.Audit.Timeout)
	}
	eng, err := engine.New(db, engine.Options{
		Presets:                  presets,
		Metrics:                  engine.NewMetrics(reg),
		Audit:                    sink,
		Logger:                   logger,
		AutoApproveMinConfidence: s.file.Review.AutoApproveMinConfidence,
	})
	if err != nil {
		_ = engine.CloseDB(db)
		return nil, err
	}
	logger.Debug("database ready", "db", s.DB, "signposts", len(sps), "presets", len(presets.List()))
	return &app{settings: s, log: logger, db: db, eng: eng}, nil
}

func (a *app) Close() error {
	return engine.CloseDB(a.db)
}

func (a *app) runnerConfig() engine.RunnerConfig {
	rc := a.settings.file.Recompute
	return engine.RunnerConfig{
		PollInterval: rc.PollInterval,
		Concurrency:  rc.Concurrency,
		MaxAttempts:  rc.MaxAttempts,
		AutoApprove:  a.settings.file.Review.AutoApproveMinConfidence > 0,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
