/*
Package log provides structured logging for the work coordinator using zerolog.

It wraps zerolog to provide JSON-structured logging with component-specific
child loggers, a configurable level/format, and package-level helpers for
the common case of a single log line with no extra fields.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers carry a fixed set of fields through every subsequent call:

	pubLog := log.WithComponent("publisher")
	pubLog.Info().Int("claimed", len(rows)).Msg("flush returned outbox work")

	regLog := log.WithInstanceID(log.WithComponent("streams"), instanceID)
	regLog.Warn().Msg("lease expired before renewal")

WithComponent always chains off the global Logger, since it is the first
thing every worker builds. WithInstanceID and WithStreamID instead take the
logger to chain onto, so they compose with WithComponent (or each other)
rather than re-reading Logger and discarding whatever the caller already
attached. A field that only ever belongs on a single log line, not on a
loop's whole-lifetime logger, stays a plain .Str() call at that line instead
of growing its own With* helper.

# Design

The global Logger is initialized once in main() before any worker starts.
Every background loop (publisher, consumer, perspective runner, heartbeat)
holds its own component logger for the lifetime of the loop rather than
calling WithComponent on every iteration.
*/
package log
