/*
Package log provides structured logging for dossier using zerolog.

The log package wraps zerolog to provide JSON or console structured
logging with component-specific child loggers, a configurable level,
and a handful of package-level helpers for ad-hoc messages.

# Configuration

Init sets the package-level Logger from a Config:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // false selects a human-readable console writer
	})

Level is one of DebugLevel, InfoLevel, WarnLevel, ErrorLevel; an
unrecognized value falls back to InfoLevel. Output defaults to
os.Stdout when Config.Output is nil.

# Component loggers

WithComponent, WithGID, and WithKind derive a child logger carrying
one extra structured field, without mutating the global Logger:

	logger := log.WithComponent("worker")
	logger.Debug().Str("gid", j.GID().String()).Msg("job done")

pkg/datamanager and pkg/worker each hold one component-scoped logger
for their lifetime rather than calling the package-level Info/Debug/
Warn/Error helpers, which write through the un-scoped global Logger
and are better suited to cmd/dossier's top-level startup/shutdown
messages.
*/
package log
