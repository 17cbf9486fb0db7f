// Package main hosts the catalog sync service entrypoint.
//
// Architecture overview:
//   - Discovery: internal/discovery walks the upstream recent-changes feeds day by day after the stored watermark,
//     classifies changed keys into author, work and edition queues, and checkpoints the queues together with the
//     watermark after every completed day. The current partial day is queued too, without moving the watermark.
//   - Processing: internal/processor drains each queue in batches, fetching records through the Colly-based fetcher
//     and upserting them via internal/normalizer. Failed keys return to the tail of their queue; a batch that mostly
//     fails triggers a cooldown before the next one.
//   - Orchestration: internal/orchestrator drives the run state machine (discovering-keys, processing-authors,
//     processing-works, processing-editions, finished/failed) and resumes pending queues before discovering again.
//     A run lock (memory, Postgres advisory lock or Redis) keeps runs single-flight.
//   - Persistence: control state lives in memory, Postgres or Redis; records live in memory or Postgres. Raw records
//     are optionally archived to memory, local disk or GCS, and a Pub/Sub notification is published per finished run.
//   - Plumbing: Viper loads config from file and CATALOGSYNC_* env vars; zap logs (optionally teed to a rotating file);
//     Prometheus metrics are served on /metrics; OpenTelemetry spans cover runs, discovered days, batches and API
//     requests (exported to Cloud Trace when telemetry.project_id is set); robfig/cron fires the daily schedule in UTC.
//
// Usage:
//   - Serve API and schedule: go run ./cmd/catalogsync -config config.yaml
//   - Single run and exit: go run ./cmd/catalogsync -once
package main
