/*
Package log provides structured logging for jina using zerolog.

The package wraps zerolog behind a global Logger initialized once via
log.Init, with child-logger helpers that attach the runtime role, pod
name, or request id to every line. Console output is the default; JSON
output is enabled with the --log-json flag for production deployments.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	headLog := log.WithRuntime("head")
	headLog.Info().Str("pod", "pod0").Int("shards", 4).Msg("head started")
*/
package log
