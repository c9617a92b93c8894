package canbus

import (
	"context"
	"errors"
	"time"

	"github.com/resident-x/go-rvc/internal/domain"
	"github.com/rs/zerolog/log"
)

// Pump receives frames from bus and forwards RV-C frames to out until ctx is done
// or the bus is closed. out is closed on return.
func Pump(ctx context.Context, bus Bus, out chan<- domain.Frame) error {
	logger := log.With().Str("component", "canbus").Logger()
	defer close(out)

	for {
		f, err := bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			if errors.Is(err, ErrInvalidID) || errors.Is(err, ErrInvalidLen) || errors.Is(err, ErrErrorFrame) {
				logger.Debug().Err(err).Msg("Skipping invalid frame")
				continue
			}
			logger.Error().Err(err).Msg("Receive failed")
			return err
		}

		df, ok := ToDomain(f, time.Now())
		if !ok {
			continue
		}

		select {
		case out <- df:
		case <-ctx.Done():
			return nil
		}
	}
}
