package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "pesabridge",
		Usage:   "mobile-money on/off-ramp payment client",
		Version: version,
		Description: `Drives the payment pipeline against the pesabridge backend: request a
quote, authorize with PIN and wallet signature, fund the treasury on-chain,
submit the settlement, and poll until it lands.

Run 'pesabridge sandbox' to serve a local fake backend for development.`,
		Commands: []*cli.Command{
			quoteCommand(),
			payCommand(),
			statusCommand(),
			watchCommand(),
			historyCommand(),
			sandboxCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
