// Package main hosts the docket harvester entrypoint.
//
// Architecture overview:
//   - Bound discovery: internal/probe doubles through sequential case ids
//     to find the year's upper bound, collecting records in the same
//     oracle calls and persisting an advisory probe cache between runs.
//   - Orchestration: internal/runner owns the single request stream; it
//     wraps every fetch with the politeness limiter, per-id retries with
//     jittered backoff, session recovery, and the run-wide emergency stop.
//   - Tracking: internal/tracking keeps a durable per-id status row
//     (pending/success/no_data/failed) in Postgres or memory so resumed
//     runs skip ids they already settled.
//   - Export: internal/export writes records and run summaries to
//     Postgres or a filesystem sink.
//   - Sources: internal/source speaks to the registry over plain HTTP
//     (colly) or through headless Chrome (chromedp) for JS-rendered
//     registries.
//   - Plumbing: Viper config with HARVESTER_* env overrides, zap logging,
//     Prometheus metrics, and an optional chi status server.
package main

import "github.com/openjuris/docket-harvester/cmd"

func main() {
	cmd.Execute()
}
