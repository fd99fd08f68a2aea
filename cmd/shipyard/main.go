package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/shipyard/cmd/shipyard/commands"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	configureGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if ctx.Err() != nil {
		log.Info().Msg("Interrupted, shut down")
	}
	stop()
	if err != nil {
		// ErrUnsuccessful means the report already explained the failure.
		if !errors.Is(err, commands.ErrUnsuccessful) {
			log.Error().Err(err).Msg("shipyard failed")
		}
		os.Exit(1)
	}
}

// configureGlobalLogger writes human-readable output to a terminal and JSON
// everywhere else, or when SHIPYARD_LOG_FORMAT=json. LOG_LEVEL sets the
// initial level; --json and --verbose refine both after flag parsing.
func configureGlobalLogger() {
	if os.Getenv("SHIPYARD_LOG_FORMAT") == "json" || !isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))
}
