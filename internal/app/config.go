package app

import (
	"errors"
	"fmt"
	"time"
)

// Commands understood by App.Run.
const (
	CmdEval        = "eval"
	CmdKeys        = "keys"
	CmdFingerprint = "fingerprint"
	CmdExplain     = "explain"
	CmdCacheVerify = "cache verify"
	CmdCachePrune  = "cache prune"
	CmdCacheIndex  = "cache index"
	CmdServe       = "serve"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	Command string

	PipelinePaths []string // hcl files or directories
	Field         string
	Keys          []string

	CacheRoot string
	Remove    bool
	OlderThan time.Duration
	Addr      string

	LogFormat   string
	LogLevel    string
	WorkerCount int
}

// NeedsPipeline reports whether the command evaluates a pipeline.
func (c *Config) NeedsPipeline() bool {
	switch c.Command {
	case CmdEval, CmdKeys, CmdFingerprint, CmdExplain:
		return true
	}
	return false
}

// NewConfig validates cfg for its command.
func NewConfig(cfg Config) (*Config, error) {
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	if cfg.WorkerCount < 0 {
		return nil, errors.New("worker count cannot be negative")
	}

	switch cfg.Command {
	case CmdEval, CmdKeys, CmdFingerprint, CmdExplain:
		if len(cfg.PipelinePaths) == 0 {
			return nil, errors.New("at least one pipeline path is required")
		}
	case CmdCacheVerify, CmdCacheIndex, CmdCachePrune, CmdServe:
		if cfg.CacheRoot == "" {
			return nil, errors.New("cache root is required")
		}
	default:
		return nil, fmt.Errorf("unknown command %q", cfg.Command)
	}

	switch cfg.Command {
	case CmdEval:
		if cfg.Field == "" {
			return nil, errors.New("field is required")
		}
	case CmdFingerprint, CmdExplain:
		if cfg.Field == "" || len(cfg.Keys) != 1 {
			return nil, errors.New("exactly one field and one key are required")
		}
	case CmdCachePrune:
		if cfg.OlderThan <= 0 {
			return nil, errors.New("older-than must be positive")
		}
	case CmdServe:
		if cfg.Addr == "" {
			return nil, errors.New("listen address is required")
		}
	}
	return &cfg, nil
}
