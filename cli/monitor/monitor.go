package monitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nspcc-dev/msgmon/cli/options"
	"github.com/nspcc-dev/msgmon/pkg/config"
	"github.com/nspcc-dev/msgmon/pkg/msgmon"
	"github.com/nspcc-dev/msgmon/pkg/rpcclient"
	"github.com/nspcc-dev/msgmon/pkg/services/metrics"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// DefaultQueue is the queue name used when none is given.
const DefaultQueue = "default"

var errNoMessages = errors.New("no messages to monitor, use '--messages' option")

// NewCommands returns message monitoring commands.
func NewCommands() []cli.Command {
	waitFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "wait, w",
			Value: msgmon.All.String(),
			Usage: "Wait mode: no-wait, at-least-one or all",
		},
		cli.DurationFlag{
			Name:  "wait-timeout",
			Usage: "Maximum time to wait for results (no limit if not set)",
		},
		options.Config,
		options.ConfigFile,
		options.Debug,
	}
	waitFlags = append(waitFlags, options.RPC...)
	watchFlags := append([]cli.Flag{
		cli.StringFlag{
			Name:  "queue, q",
			Value: DefaultQueue,
			Usage: "Monitoring queue name",
		},
		cli.StringFlag{
			Name:  "messages, m",
			Usage: "Path to the JSON file with the list of messages to monitor",
		},
	}, waitFlags...)
	sendFlags := append([]cli.Flag{
		cli.StringFlag{
			Name:  "queue, q",
			Usage: "Monitoring queue name, sent messages are not monitored if not set",
		},
		cli.StringFlag{
			Name:  "messages, m",
			Usage: "Path to the JSON file with the list of messages to send",
		},
	}, waitFlags...)
	return []cli.Command{
		{
			Name:      "watch",
			Usage:     "Monitor messages and print their results",
			UsageText: "msgmon watch -r endpoint -m messages.json [-q queue] [-w mode] [--wait-timeout duration] [--config-path path] [-d]",
			Description: `Subscribes to the statuses of the given messages and prints every
   resolved result as a single JSON line. Messages are read from the JSON file
   containing an array of objects with "boc" (base64 message body) or "hash"
   fields and optional "address", "wait_until" and "user_data". The command
   fails if some messages are left unresolved in the "all" wait mode.`,
			Action: watch,
			Flags:  watchFlags,
		},
		{
			Name:      "send",
			Usage:     "Send messages and optionally monitor them",
			UsageText: "msgmon send -r endpoint -m messages.json [-q queue] [-w mode] [--wait-timeout duration] [--config-path path] [-d]",
			Description: `Broadcasts bodies of the given messages (same file format as for the
   "watch" command, every message must have a body) and checks hashes
   returned by the node. Without a queue hashes of sent messages are printed.
   With a queue messages are monitored the same way "watch" does it.`,
			Action: send,
			Flags:  sendFlags,
		},
		{
			Name:      "hash",
			Usage:     "Print the hash of the base64-encoded message",
			UsageText: "msgmon hash <body>",
			Action:    printHash,
		},
	}
}

func printHash(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("exactly one message body is expected", 1)
	}
	body, err := base64.StdEncoding.DecodeString(ctx.Args().First())
	if err != nil {
		return cli.NewExitError(fmt.Errorf("invalid message body: %w", err), 1)
	}
	fmt.Fprintln(ctx.App.Writer, "0x"+msgmon.MessageHash(body).StringLE())
	return nil
}

func readMessages(path string) ([]msgmon.MessageMonitoringParams, error) {
	if len(path) == 0 {
		return nil, errNoMessages
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read messages: %w", err)
	}
	var params []msgmon.MessageMonitoringParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("can't parse messages: %w", err)
	}
	if len(params) == 0 {
		return nil, errNoMessages
	}
	return params, nil
}

func watch(ctx *cli.Context) error {
	if err := cmdargsNone(ctx); err != nil {
		return err
	}
	mode, err := msgmon.ParseWaitMode(ctx.String("wait"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	params, err := readMessages(ctx.String("messages"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	return withClient(ctx, func(gctx context.Context, cfg config.Config, c *rpcclient.WSClient, log *zap.Logger) error {
		mon := msgmon.New(c, cfg.ApplicationConfiguration.Monitor, log)
		defer mon.Close()

		queue := ctx.String("queue")
		if err := mon.Monitor(gctx, queue, params); err != nil {
			return cli.NewExitError(fmt.Errorf("failed to monitor messages: %w", err), 1)
		}
		log.Info("monitoring messages",
			zap.String("queue", queue),
			zap.Int("count", len(params)),
			zap.Stringer("mode", mode))
		return printResults(ctx, mon, queue, mode)
	})
}

func send(ctx *cli.Context) error {
	if err := cmdargsNone(ctx); err != nil {
		return err
	}
	mode, err := msgmon.ParseWaitMode(ctx.String("wait"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	params, err := readMessages(ctx.String("messages"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	for i := range params {
		if len(params[i].Body) == 0 {
			return cli.NewExitError(fmt.Errorf("message #%d has no body to send", i), 1)
		}
	}
	return withClient(ctx, func(gctx context.Context, cfg config.Config, c *rpcclient.WSClient, log *zap.Logger) error {
		var (
			mon   *msgmon.Monitor
			queue = ctx.String("queue")
		)
		// Subscribe before sending so that no result is missed.
		if queue != "" {
			mon = msgmon.New(c, cfg.ApplicationConfiguration.Monitor, log)
			defer mon.Close()
			if err := mon.Monitor(gctx, queue, params); err != nil {
				return cli.NewExitError(fmt.Errorf("failed to monitor messages: %w", err), 1)
			}
		}
		for i := range params {
			expected := msgmon.MessageHash(params[i].Body)
			h, err := c.SendMessage(gctx, params[i].Body)
			if err != nil {
				return cli.NewExitError(fmt.Errorf("failed to send message %s: %w", expected.StringLE(), err), 1)
			}
			if !h.Equals(expected) {
				return cli.NewExitError(fmt.Errorf("node returned hash %s for message %s", h.StringLE(), expected.StringLE()), 1)
			}
			log.Debug("message sent", zap.String("hash", h.StringLE()))
			if mon == nil {
				fmt.Fprintln(ctx.App.Writer, "0x"+h.StringLE())
			}
		}
		if mon == nil {
			return nil
		}
		log.Info("monitoring sent messages",
			zap.String("queue", queue),
			zap.Int("count", len(params)),
			zap.Stringer("mode", mode))
		return printResults(ctx, mon, queue, mode)
	})
}

// withClient prepares logging, service and node connection for f.
func withClient(ctx *cli.Context, f func(context.Context, config.Config, *rpcclient.WSClient, *zap.Logger) error) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, _, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.ApplicationConfiguration)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() { _ = log.Sync() }()

	services := []*metrics.Service{
		metrics.NewPrometheusService(cfg.ApplicationConfiguration.Prometheus, log),
		metrics.NewPprofService(cfg.ApplicationConfiguration.Pprof, log),
	}
	for _, s := range services {
		if err := s.Start(); err != nil {
			return cli.NewExitError(fmt.Errorf("failed to start %s service: %w", s.Name(), err), 1)
		}
		defer s.ShutDown()
	}

	gctx, cancel := options.GetTimeoutContext(ctx)
	defer cancel()
	c, exitErr := options.GetWSClient(gctx, ctx, cfg.ApplicationConfiguration.RPC, log)
	if exitErr != nil {
		return exitErr
	}
	defer c.Close()
	return f(gctx, cfg, c, log)
}

// printResults waits for the queue results according to mode and prints them
// as JSON lines.
func printResults(ctx *cli.Context, mon *msgmon.Monitor, queue string, mode msgmon.WaitMode) error {
	sctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		enc     = json.NewEncoder(ctx.App.Writer)
		timeout = ctx.Duration("wait-timeout")
		start   = time.Now()
	)
	for {
		res, err := mon.WaitFor(sctx, queue, mode, remaining(start, timeout))
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		for i := range res {
			if err := enc.Encode(res[i]); err != nil {
				return cli.NewExitError(err, 1)
			}
		}
		info, err := mon.QueueInfo(queue)
		if err != nil {
			return cli.NewExitError(err, 1)
		}
		// at-least-one waits for the first batch only.
		if mode != msgmon.All || info.Unresolved == 0 {
			return nil
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return cli.NewExitError(fmt.Errorf("%d messages left unresolved", info.Unresolved), 1)
		}
	}
}

// remaining returns the time left out of timeout counting from start. Zero
// timeout means no limit. It never returns zero for a limited timeout to
// avoid turning it into an unlimited wait.
func remaining(start time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	left := timeout - time.Since(start)
	if left <= 0 {
		return time.Nanosecond
	}
	return left
}

func cmdargsNone(ctx *cli.Context) error {
	if ctx.NArg() != 0 {
		return cli.NewExitError(fmt.Errorf("unexpected arguments: %v", ctx.Args()), 1)
	}
	return nil
}
