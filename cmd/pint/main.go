// Package main implements the pint command line: it validates run
// configurations, integrates them in-process and launches distributed
// runs of pint-worker processes.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openpint/openpint/cmd/pint/commands"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Commands build their own loggers for runs; this one covers startup
	// and fatal errors.
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err = commands.Execute(ctx, Version, Commit, BuildDate)
	if ctx.Err() != nil {
		log.Warn().Msg("Interrupted")
	}
	stop()
	if err != nil {
		log.Error().Err(err).Msg("pint failed")
		os.Exit(1)
	}
}
