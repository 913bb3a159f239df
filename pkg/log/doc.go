/*
Package log provides structured logging for the framework using zerolog.

A single global Logger is configured once at startup with Init. Until then it
discards everything, so packages can log freely from tests.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		File: &log.FileTarget{
			Path:     "logs",
			FileName: "flink-framework.log",
		},
	})

Console output goes to stdout (or Config.Output). When File is set every
record is also written to Path/FileName, rotated by lumberjack once it
reaches MaxSizeMB.

# Context loggers

WithComponent, WithGroup and WithTaskID return child loggers carrying a
component, task group or task ID field. zerolog's event methods have
pointer receivers, so keep the child in a variable:

	logger := log.WithGroup("taskmanagers")
	logger.Info().Int("instances", 3).Msg("Scaled group")
*/
package log
