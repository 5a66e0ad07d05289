/*
Package options contains a set of common CLI options and helper functions to use them.
*/
package options

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nspcc-dev/msgmon/pkg/config"
	"github.com/nspcc-dev/msgmon/pkg/rpcclient"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultTimeout is the default timeout used for RPC requests.
	DefaultTimeout = 10 * time.Second
)

// RPCEndpointFlag is a long flag name for an RPC endpoint. It can be used to
// check for flag presence in the context.
const RPCEndpointFlag = "rpc-endpoint"

// RPC is a set of flags used for RPC connections (endpoint and timeout).
var RPC = []cli.Flag{
	cli.StringFlag{
		Name:  RPCEndpointFlag + ", r",
		Usage: "RPC node websocket address (overrides RPC.Endpoint of the configuration)",
	},
	cli.DurationFlag{
		Name:  "timeout, s",
		Value: DefaultTimeout,
		Usage: "Timeout for connecting to the node and subscribing",
	},
}

// Config is a flag with a directory to look for the configuration file in.
var Config = cli.StringFlag{
	Name:  "config-path",
	Usage: "directory containing " + config.DefaultConfigFile + " (ignored if --config-file is given)",
}

// ConfigFile is a flag with a path to the configuration file.
var ConfigFile = cli.StringFlag{
	Name:  "config-file",
	Usage: "configuration file to use",
}

// Debug is a flag enabling debug logs regardless of the configured level.
var Debug = cli.BoolFlag{
	Name:  "debug, d",
	Usage: "enable debug logging (overrides configured LogLevel)",
}

var errNoEndpoint = errors.New("no RPC endpoint specified, use option '--" + RPCEndpointFlag + "' or '-r' or configuration file")

// GetTimeoutContext returns a context.Context with the default or a user-set timeout.
func GetTimeoutContext(ctx *cli.Context) (context.Context, func()) {
	dur := ctx.Duration("timeout")
	if dur == 0 {
		dur = DefaultTimeout
	}
	return context.WithTimeout(context.Background(), dur)
}

// GetConfigFromContext looks at the path flags in the given context and
// returns an appropriate config. Default configuration is returned if none
// is specified.
func GetConfigFromContext(ctx *cli.Context) (config.Config, error) {
	if configFile := ctx.String("config-file"); len(configFile) != 0 {
		return config.LoadFile(configFile)
	}
	if configPath := ctx.String("config-path"); len(configPath) != 0 {
		return config.Load(configPath)
	}
	return config.Default(), nil
}

// GetWSClient returns a websocket RPC client instance for the given Context.
// Endpoint specified via flag takes precedence over the configured one.
func GetWSClient(gctx context.Context, ctx *cli.Context, cfg config.RPC, log *zap.Logger) (*rpcclient.WSClient, cli.ExitCoder) {
	endpoint := ctx.String(RPCEndpointFlag)
	if len(endpoint) == 0 {
		endpoint = cfg.Endpoint
	}
	if len(endpoint) == 0 {
		return nil, cli.NewExitError(errNoEndpoint, 1)
	}
	cfg.Endpoint = endpoint
	if err := cfg.Validate(); err != nil {
		return nil, cli.NewExitError(err, 1)
	}
	c, err := rpcclient.NewWS(gctx, endpoint, cfg.Options(), log)
	if err != nil {
		return nil, cli.NewExitError(err, 1)
	}
	return c, nil
}

// HandleLoggingParams builds a console logger with the level taken from the
// configuration or set to debug if requested. Logs go to the configured file
// (its directory is created if needed) or to stderr.
func HandleLoggingParams(debug bool, cfg config.ApplicationConfiguration) (*zap.Logger, *zap.AtomicLevel, error) {
	level, err := logLevel(debug, cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	cc := consoleConfig(level)
	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("could not create dir for logger: %w", err)
		}
		cc.OutputPaths = []string{cfg.LogPath}
	}
	log, err := cc.Build()
	if err != nil {
		return nil, nil, err
	}
	return log, &cc.Level, nil
}

func logLevel(debug bool, configured string) (zapcore.Level, error) {
	if debug {
		return zapcore.DebugLevel, nil
	}
	if configured == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(configured)
	if err != nil {
		return level, fmt.Errorf("log setting: %w", err)
	}
	return level, nil
}

func consoleConfig(level zapcore.Level) zap.Config {
	cc := zap.NewProductionConfig()
	cc.Encoding = "console"
	cc.Level = zap.NewAtomicLevelAt(level)
	cc.Sampling = nil
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	return cc
}
