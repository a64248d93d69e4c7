// Command netual runs either end of the bonded tunnel: the client, which
// duplicates device traffic over every usable network path, or the server,
// which deduplicates it and forwards it on.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"netual/internal/config"
	"netual/internal/engine"
	"netual/internal/logging"
	"netual/internal/server"
	"netual/internal/statusapi"
)

var version = "dev"

func main() {
	app := cli.App{
		Name:    "netual",
		Usage:   "Bond every network path into one redundant tunnel",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to YAML config",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file with NETUAL_* overrides",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "server address (client role)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "status-listen",
				Usage: "address for the local status API, e.g. 127.0.0.1:8787",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	if err := config.LoadEnvFile(cCtx.String("env-file")); err != nil {
		return err
	}
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cCtx.IsSet("server") {
		cfg.Server = strings.TrimSpace(cCtx.String("server"))
	}
	if cCtx.IsSet("log-level") {
		cfg.LogLevel = cCtx.String("log-level")
	}
	if cCtx.IsSet("status-listen") {
		cfg.StatusListen = cCtx.String("status-listen")
	}

	logger := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("netual %s (%s)", version, cfg.Role))
	pterm.Println()

	if cfg.Role == config.RoleServer {
		err = server.Run(ctx, cfg, logger)
	} else {
		err = runClient(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("fatal: %w", err)
	}
	return nil
}

func runClient(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Server == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.Server = askServer()
	}

	runner := &engine.Runner{
		Engine: engine.NewDefault(cfg, logger),
		Policy: cfg.Reconnect,
	}
	if cfg.StatusListen == "" {
		return runner.Run(ctx, cfg.Server)
	}

	go func() {
		handler := statusapi.NewHandler(ctx, runner, logger)
		if err := statusapi.ListenAndServe(ctx, cfg.StatusListen, handler, logger); err != nil {
			logger.Errorf("status api: %v", err)
		}
	}()
	if cfg.Server != "" {
		if err := runner.Start(ctx, cfg.Server); err != nil {
			return err
		}
	} else {
		logger.Infof("no server configured, waiting for POST /connect on %s", cfg.StatusListen)
	}
	<-ctx.Done()
	runner.Stop()
	return nil
}

// askServer prompts for the server address until a plausible one is entered.
func askServer() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address (IPv4 or host name)").
			Show()

		if host, ok := normalizeServer(raw); ok {
			pterm.Println()
			return host
		}

		pterm.Println()
		pterm.Warning.Println("invalid input: enter a host without port or scheme")
	}
}

func normalizeServer(raw string) (string, bool) {
	host := strings.TrimSpace(raw)
	if host == "" || strings.ContainsAny(host, " \t/:@") {
		return "", false
	}
	return host, true
}
