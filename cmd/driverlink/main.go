package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/driverlink/bridge"
	"github.com/guseggert/driverlink/driver"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "driverlink",
		Usage: "supervise a TDriver worker process and talk to it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file.",
				Value: "driverlink.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "script",
				Usage: "Path to the worker script. Overrides the config file and " + config.ScriptEnvVar + ".",
			},
			&cli.StringFlag{
				Name:  "interpreter",
				Usage: "Interpreter that runs the worker script.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the driver behind an HTTP bridge",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
					},
					&cli.BoolFlag{
						Name:  "watch-script",
						Usage: "Restart the worker when its script changes.",
					},
				},
				Action: serve,
			},
			{
				Name:      "exec",
				Usage:     "execute one command and print the reply as JSON",
				ArgsUsage: "NAME [KEY=VALUE...]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the reply. Defaults to the configured command timeout.",
					},
					&cli.StringFlag{
						Name:  "remote",
						Usage: "Address of a running bridge to use instead of a local worker.",
					},
				},
				Action: execCmd,
			},
			{
				Name:   "info",
				Usage:  "start the worker and print its handshake values",
				Action: info,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return cfg, err
	}
	if s := ctx.String("log-level"); s != "" {
		cfg.LogLevel = s
	}
	if s := ctx.String("script"); s != "" {
		cfg.Script = s
	}
	if s := ctx.String("interpreter"); s != "" {
		cfg.Interpreter = s
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(l)
	return zcfg.Build()
}

func newDriver(cfg config.Config, logger *zap.Logger) (*driver.Driver, error) {
	dcfg, err := cfg.Driver()
	if err != nil {
		return nil, fmt.Errorf("building driver config: %w", err)
	}
	d, err := driver.New(dcfg, driver.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("building driver: %w", err)
	}
	d.Start()
	return d, nil
}

func shutdown(d *driver.Driver, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.Shutdown(ctx)
}

// shutdownTimeout covers terminating and then killing the worker.
func shutdownTimeout(cfg config.Config) time.Duration {
	return time.Duration(cfg.Timeouts.Terminate+cfg.Timeouts.Kill) + 5*time.Second
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if s := ctx.String("listen-addr"); s != "" {
		cfg.ListenAddr = s
	}
	if ctx.Bool("watch-script") {
		cfg.WatchScript = true
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	d, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(d, shutdownTimeout(cfg)); err != nil {
			logger.Sugar().Warnf("stopping driver: %s", err)
		}
	}()

	server, err := bridge.NewServer(d,
		bridge.WithLogger(logger),
		bridge.WithListenAddr(cfg.ListenAddr),
		bridge.WithGatherer(d.Metrics().Registry),
		bridge.WithDefaultTimeout(time.Duration(cfg.Timeouts.Command)),
	)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(server.Run)
	if cfg.WatchScript {
		group.Go(func() error { return d.WatchScript(groupCtx) })
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return server.Stop()
	})
	return group.Wait()
}

// parseMessage turns KEY=VALUE arguments into a message; repeated keys build a list.
func parseMessage(args []string) (protocol.Message, error) {
	msg := protocol.Message{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not KEY=VALUE", arg)
		}
		msg[k] = append(msg[k], v)
	}
	return msg, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var errCommandFailed = errors.New("command failed")

func execCmd(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("missing command name")
	}
	name := ctx.Args().First()
	msg, err := parseMessage(ctx.Args().Tail())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	timeout := time.Duration(cfg.Timeouts.Command)
	if ctx.IsSet("timeout") {
		timeout = ctx.Duration("timeout")
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var (
		reply protocol.Message
		ok    bool
	)
	if remote := ctx.String("remote"); remote != "" {
		client := bridge.NewClient(logger.Sugar(), remote)
		reply, ok, err = client.Execute(ctx.Context, name, msg, timeout)
		if err != nil {
			return fmt.Errorf("executing remotely: %w", err)
		}
	} else {
		d, err := newDriver(cfg, logger)
		if err != nil {
			return err
		}
		defer shutdown(d, shutdownTimeout(cfg))
		reply, ok = d.ExecuteCommand(name, msg, timeout)
	}

	if err := printJSON(reply); err != nil {
		return err
	}
	if !ok {
		return errCommandFailed
	}
	return nil
}

func info(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	d, err := newDriver(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdown(d, shutdownTimeout(cfg))

	if !d.GoOnline() {
		if serr := d.LastError(); serr != nil {
			return fmt.Errorf("%s: %s\n%s", serr.Title, serr.Message, serr.Extra)
		}
		return errors.New("worker did not come online")
	}
	return printJSON(bridge.StatusResponse{
		State:           d.State(),
		Port:            d.Port(),
		ProtocolVersion: d.ProtocolVersion(),
		BackendVersion:  d.BackendVersion(),
	})
}
