package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vk/keygraph/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(msg string) *ExitError {
	return &ExitError{Code: 2, Message: msg}
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

const usage = `
keygraph - lazy keyed pipelines with fingerprinted caching.

Usage:
  keygraph [global options] <command> [options] [PIPELINE_PATH...]

Commands:
  eval -field F [-key K]... PATH...        Print one JSON line per key.
  keys PATH...                             List the keys left after filters.
  fingerprint -field F -key K PATH...      Print the fingerprint of a value.
  explain -field F -key K PATH...          Print the evaluation plan of a value.
  cache verify -root DIR [-remove]         Check every cache entry.
  cache prune -root DIR [-older-than D]    Delete entries not used recently.
  cache index -root DIR                    Rebuild the index and print stats.
  serve -root DIR [-addr :8080]            Serve a cache root to remote tiers.

PIPELINE_PATH is a single .hcl file or a directory containing .hcl files.

Global options:
`

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	global := flag.NewFlagSet("keygraph", flag.ContinueOnError)
	global.SetOutput(output)
	global.Usage = func() {
		fmt.Fprint(output, usage)
		global.PrintDefaults()
	}

	logFormatFlag := global.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := global.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := global.Int("workers", 10, "Number of keys evaluated concurrently.")

	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, usageError(err.Error())
	}

	if global.NArg() == 0 {
		slog.Debug("No command provided, printing usage and exiting.")
		global.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, usageError("invalid log-format: must be 'text' or 'json'")
	}
	logLevel := strings.ToLower(*logLevelFlag)
	if _, err := app.ParseLevel(logLevel); err != nil {
		return nil, false, usageError(err.Error())
	}

	cfg := app.Config{LogFormat: logFormat, LogLevel: logLevel, WorkerCount: *workersFlag}
	shouldExit, err := parseCommand(global.Args(), output, &cfg)
	if err != nil || shouldExit {
		return nil, shouldExit, err
	}

	config, err := app.NewConfig(cfg)
	if err != nil {
		return nil, false, usageError(err.Error())
	}
	slog.Debug("CLI parser finished successfully.", "command", config.Command)
	return config, false, nil
}

// parseCommand fills cfg from the command name and its own flags.
func parseCommand(args []string, output io.Writer, cfg *app.Config) (bool, error) {
	name := args[0]
	args = args[1:]
	if name == "cache" {
		if len(args) == 0 {
			return false, usageError("cache needs a subcommand: verify, prune or index")
		}
		name, args = "cache "+args[0], args[1:]
	}
	cfg.Command = name

	fs := flag.NewFlagSet("keygraph "+name, flag.ContinueOnError)
	fs.SetOutput(output)

	var keys stringList
	var field, root *string
	var remove *bool
	var olderThan *time.Duration
	var addr *string

	switch name {
	case app.CmdEval:
		field = fs.String("field", "", "Field to evaluate.")
		fs.Var(&keys, "key", "Key to evaluate; repeatable. Defaults to every key left after filters.")
	case app.CmdKeys:
	case app.CmdFingerprint, app.CmdExplain:
		field = fs.String("field", "", "Field to inspect.")
		fs.Var(&keys, "key", "Key to inspect.")
	case app.CmdCacheVerify:
		root = fs.String("root", "", "Cache root directory.")
		remove = fs.Bool("remove", false, "Delete corrupted entries.")
	case app.CmdCachePrune:
		root = fs.String("root", "", "Cache root directory.")
		olderThan = fs.Duration("older-than", 30*24*time.Hour, "Delete entries not used for this long.")
	case app.CmdCacheIndex:
		root = fs.String("root", "", "Cache root directory.")
	case app.CmdServe:
		root = fs.String("root", "", "Cache root directory to serve.")
		addr = fs.String("addr", ":8080", "Listen address for the cache, /health and /metrics.")
	default:
		return false, usageError(fmt.Sprintf("unknown command %q", name))
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return true, nil
		}
		return false, usageError(err.Error())
	}

	cfg.Keys = keys
	if field != nil {
		cfg.Field = *field
	}
	if root != nil {
		cfg.CacheRoot = *root
	}
	if remove != nil {
		cfg.Remove = *remove
	}
	if olderThan != nil {
		cfg.OlderThan = *olderThan
	}
	if addr != nil {
		cfg.Addr = *addr
	}
	if !cfg.NeedsPipeline() {
		if fs.NArg() > 0 {
			return false, usageError(fmt.Sprintf("%s takes no arguments, got %q", name, fs.Args()))
		}
		return false, nil
	}
	cfg.PipelinePaths = fs.Args()
	return false, nil
}
