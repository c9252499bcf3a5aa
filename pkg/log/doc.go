/*
Package log provides structured logging built on zerolog.

All components log through this package so output format, level, and
destination are configured once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

WithComponent returns a logger tagged with the originating subsystem,
which is the one field every log line in the pipeline carries:

	logger := log.WithComponent("worker")
	logger.Info().Str("task_id", id).Msg("task claimed")

JSON output is the default for deployments; console output is for
local development. Tests typically initialize with ErrorLevel and
io.Discard to keep handler logging quiet.
*/
package log
