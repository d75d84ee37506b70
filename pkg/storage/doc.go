/*
Package storage persists the state an agent must not lose across restarts in
a single bbolt file per agent (<dataDir>/<tier>-<name>.db).

Three buckets are kept:

	apps     last committed AppSpec per app (cluster tier)
	tasks    task log entries keyed by plan_uid
	proxies  proxy plans awaiting their result, keyed by plan_uid

Values are JSON. A missing key returns an error wrapping errdefs.ErrNotFound.
Everything else an agent knows is rebuilt from Kubernetes and from its peers.
*/
package storage
