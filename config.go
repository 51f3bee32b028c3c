package vfskit

import (
	"time"

	"github.com/gobeaver/beaver-kit/config"
	"gitlab.com/tozd/go/errors"
)

// ModeXPolicy names how a symbolic "X" in a requested mode is resolved.
const (
	// ModeXCarry keeps the execute bits the file already had.
	ModeXCarry = "carry"
	// ModeXPOSIX grants execute when the file is a directory or already has
	// any execute bit, like chmod(1).
	ModeXPOSIX = "posix"
)

type Config struct {
	// Connection pool
	PoolMaxPerHost       int `env:"VFSKIT_POOL_MAX_PER_HOST,default:5"`
	PoolIdleTimeoutSec   int `env:"VFSKIT_POOL_IDLE_TIMEOUT,default:60"`
	PoolSweepIntervalSec int `env:"VFSKIT_POOL_SWEEP_INTERVAL,default:60"`

	// Remote sessions
	KeepAliveSec    int    `env:"VFSKIT_KEEPALIVE,default:30"`
	DialTimeoutSec  int    `env:"VFSKIT_DIAL_TIMEOUT,default:30"`
	SFTPKnownHosts  string `env:"VFSKIT_SFTP_KNOWN_HOSTS"` // empty accepts any host key
	FTPEncoding     string `env:"VFSKIT_FTP_ENCODING,default:utf-8"`
	AttrCacheTTLSec int    `env:"VFSKIT_ATTR_CACHE_TTL,default:5"`

	// Jobs
	ChunkSize          int    `env:"VFSKIT_CHUNK_SIZE,default:65536"`
	ProgressIntervalMs int    `env:"VFSKIT_PROGRESS_INTERVAL_MS,default:500"`
	ScanNotifyEvery    int    `env:"VFSKIT_SCAN_NOTIFY_EVERY,default:100"`
	ModeXPolicy        string `env:"VFSKIT_MODE_X_POLICY,default:carry"`
	VerifyCopies       bool   `env:"VFSKIT_VERIFY,default:false"`

	LogLevel string `env:"VFSKIT_LOG_LEVEL,default:info"`
}

// DefaultConfig returns the configuration with every default applied,
// without reading the environment.
func DefaultConfig() *Config {
	return &Config{
		PoolMaxPerHost:       5,
		PoolIdleTimeoutSec:   60,
		PoolSweepIntervalSec: 60,
		KeepAliveSec:         30,
		DialTimeoutSec:       30,
		FTPEncoding:          DefaultFTPEncoding,
		AttrCacheTTLSec:      5,
		ChunkSize:            64 * 1024,
		ProgressIntervalMs:   500,
		ScanNotifyEvery:      100,
		ModeXPolicy:          ModeXCarry,
		LogLevel:             "info",
	}
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pool and the job engine cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.PoolMaxPerHost <= 0:
		return errors.Errorf("pool max per host must be positive, got %d", c.PoolMaxPerHost)
	case c.PoolIdleTimeoutSec <= 0:
		return errors.Errorf("pool idle timeout must be positive, got %d", c.PoolIdleTimeoutSec)
	case c.PoolSweepIntervalSec <= 0:
		return errors.Errorf("pool sweep interval must be positive, got %d", c.PoolSweepIntervalSec)
	case c.ChunkSize <= 0:
		return errors.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	case c.ModeXPolicy != ModeXCarry && c.ModeXPolicy != ModeXPOSIX:
		return errors.Errorf("unknown mode X policy %q", c.ModeXPolicy)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) PoolIdleTimeout() time.Duration   { return seconds(c.PoolIdleTimeoutSec) }
func (c *Config) PoolSweepInterval() time.Duration { return seconds(c.PoolSweepIntervalSec) }
func (c *Config) KeepAlive() time.Duration         { return seconds(c.KeepAliveSec) }
func (c *Config) DialTimeout() time.Duration       { return seconds(c.DialTimeoutSec) }
func (c *Config) AttrCacheTTL() time.Duration      { return seconds(c.AttrCacheTTLSec) }

func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}
