package signal

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

var ErrSignal error = errors.New("received the quit signal")

// SignalHandler blocks until the context is canceled or a quit signal arrives,
// returning ErrSignal in the latter case so an errgroup can unwind the rest of
// the process.
func SignalHandler(ctx context.Context) error {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		log.Debug().Msg("signalHandler: upstream context called cancel()")
	case <-sigint:
		log.Info().Msg("signalHandler: os signal received")
		return ErrSignal
	}
	return nil
}
