package sink

import (
	"context"
	"strconv"

	"github.com/lustre-irods/connector/notify"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Forward publishes signals to announcer until signals is closed or ctx is
// cancelled. Payloads are rendered by encoder.
func Forward(ctx context.Context, signals <-chan notify.Signal, announcer Announcer, encoder Encoder) error {
	sampled := log.Sample(&zerolog.BasicSampler{N: 100})

	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return nil
			}

			value, err := encoder.Encode(sig)
			if err != nil {
				log.Warn().Err(err).Str("mdt", sig.MDT).Str("topic", sig.Topic).Msg("Failed to encode announcement")
				continue
			}

			key := sig.MDT + ":" + strconv.FormatUint(sig.Seq, 10)
			if err := announcer.Announce(sig.Topic, key, value); err != nil {
				telemetry.AnnouncerErrorsTotal.With(sig.MDT, sig.Topic).Inc()
				sampled.Warn().Err(err).Str("mdt", sig.MDT).Str("topic", sig.Topic).Msg("Failed to publish announcement")
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
