/*
Package log provides structured logging for the MLSysOps agents using
zerolog.

A single global Logger is configured once by Init from the agent's LOG_LEVEL
and output settings. Everything else derives child loggers carrying the
identifiers an operator filters on:

	log.WithTier("cluster", "cluster-1")   tier, agent
	log.WithApp("app-a")                   app
	log.WithPlan("app-a", planUID)         app, plan_uid
	log.WithNode("n1")                     node
	log.WithComponent("reconciler")        component

# Levels

LOG_LEVEL accepts test, debug, info, warn and error; anything else means
info. The test level maps to zerolog's trace level and carries per-message
traces of plan execution:

	log.Init(log.Config{Level: log.ParseLevel(os.Getenv("LOG_LEVEL")), JSONOutput: true})

# Output

JSON is the default and is what the agents emit in a cluster:

	{"level":"info","tier":"cluster","agent":"cluster-1","app":"app-a","plan_uid":"4f1c…","time":"2026-01-12T10:30:00Z","message":"Plan completed"}

Console output (JSONOutput false) is meant for running an agent by hand.
*/
package log
