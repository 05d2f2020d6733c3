/*
Package log wraps zerolog with the cluster's logging conventions.

Every process (node controller, instance host, cluster client) calls
log.Init once at startup with the level and format parsed from its CLI
flags, then logs through package-level helpers or a component-tagged
child logger:

	logger := log.WithComponent("node").With().Str("realm", realm).Logger()
	logger.Info().Str("category", cat).Msg("actor spawned")

JSON output is used in production; console output (human-readable,
colorized) is the default for local runs.
*/
package log
