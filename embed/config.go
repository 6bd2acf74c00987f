package embed

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultName             = "default"
	DefaultListenAddr       = "127.0.0.1:2479"
	DefaultLogLevel         = "info"
	DefaultWatchTimeout     = 30 * time.Second
	DefaultMaxWatchTimeout  = 5 * time.Minute
	DefaultMaxSweepInterval = time.Second
)

var (
	ErrEmptyDataDir    = errors.New("embed: data dir is empty")
	ErrEmptyListenAddr = errors.New("embed: listen address is empty")
)

// Config holds the arguments for configuring a watchd server.
type Config struct {
	Name       string `json:"name"`
	DataDir    string `json:"data-dir"`
	ListenAddr string `json:"listen-addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log-level"`

	DefaultWatchTimeout time.Duration `json:"default-watch-timeout"`
	MaxWatchTimeout     time.Duration `json:"max-watch-timeout"`
	// MaxSweepInterval bounds how long expired watchers may wait to be
	// answered when no earlier deadline wakes the sweep.
	MaxSweepInterval time.Duration `json:"max-sweep-interval"`

	BackendMmapSize uint64 `json:"backend-mmap-size"`
	// MemberID seeds watch session ids. Servers sharing clients should
	// use distinct ids.
	MemberID uint16 `json:"member-id"`
}

// NewConfig creates a new Config populated with default values.
func NewConfig() *Config {
	return &Config{
		Name:                DefaultName,
		DataDir:             fmt.Sprintf("%s.watchd", DefaultName),
		ListenAddr:          DefaultListenAddr,
		LogLevel:            DefaultLogLevel,
		DefaultWatchTimeout: DefaultWatchTimeout,
		MaxWatchTimeout:     DefaultMaxWatchTimeout,
		MaxSweepInterval:    DefaultMaxSweepInterval,
	}
}

// Validate ensures that '*embed.Config' fields are properly configured.
func (cfg *Config) Validate() error {
	if cfg.DataDir == "" {
		return ErrEmptyDataDir
	}
	if cfg.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if cfg.DefaultWatchTimeout <= 0 || cfg.MaxWatchTimeout <= 0 {
		return fmt.Errorf("embed: watch timeouts must be positive (default %v, max %v)",
			cfg.DefaultWatchTimeout, cfg.MaxWatchTimeout)
	}
	if cfg.DefaultWatchTimeout > cfg.MaxWatchTimeout {
		return fmt.Errorf("embed: default watch timeout %v exceeds max watch timeout %v",
			cfg.DefaultWatchTimeout, cfg.MaxWatchTimeout)
	}
	if cfg.MaxSweepInterval <= 0 {
		return fmt.Errorf("embed: max sweep interval must be positive, got %v", cfg.MaxSweepInterval)
	}
	return nil
}

// NewLogger builds the server logger at cfg.LogLevel.
func (cfg *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lcfg := zap.NewProductionConfig()
	lcfg.Level = zap.NewAtomicLevelAt(lvl)
	lcfg.Encoding = "json"
	lcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lcfg.Sampling = nil
	return lcfg.Build(zap.Fields(zap.String("name", cfg.Name)))
}

func parseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
