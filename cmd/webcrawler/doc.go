// Package main hosts the crawler service entrypoint.
//
// Architecture overview:
//   - Startup: main loads configuration with config.Load, builds every dependency with server.Build
//     (internal/server/fx.go), and blocks in App.Run until SIGINT/SIGTERM.
//   - HTTP API: internal/api.Server exposes health, metrics, scrape-job (/v1/jobs), search (/v1/search), and
//     progress (/v1/runs) endpoints. A submitted job is stored through scrapejob.Store and only its id is enqueued.
//   - Dispatcher & queue: job ids flow through a bounded in-memory queue sized by config.Crawler.GlobalQueueDepth
//     and are consumed by config.Crawler.Concurrency jobrunner.Runner instances, which dispatch on the job's
//     persisted status: DISCOVERING runs the discovery engine, IN_PROGRESS runs the ingestion pipeline.
//   - Discovery & ingestion: pages are rendered through one shared headless browser pool (internal/browser);
//     ingestion extracts, chunks, and embeds each selected URL into the knowledge base store. Job and knowledge base
//     stores are in-memory; a configured database DSN adds Postgres-backed progress tracking. When a Pub/Sub topic
//     is configured, one notification is published per ingested document.
//   - Configuration & plumbing: Viper populates config from a file and environment; zap provides structured
//     logging; Prometheus metrics are exported on /metrics.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed set of job runners; the browser pool caps open pages with its own
//     semaphore. Shutdown is coordinated via context cancellation propagated from main through the dispatcher.
//   - Rate limiting/backoff: when rate_limit.enabled is set, a per-domain token bucket (internal/policy/ratelimit)
//     paces discovery and ingestion requests; transient render failures are retried with jittered backoff.
//   - Observability: zap logs carry job IDs and URLs at key transitions; the progress Hub batches lifecycle events
//     for the configured sinks; OpenTelemetry tracing exports to Google Cloud Trace when a project ID is set.
//   - Health endpoints (/healthz, /readyz) remain lightweight; the process reacts to SIGTERM for graceful shutdown.
//
// Quick checklist:
//   - Configure env vars with the SCRAPEINDEX_ prefix (e.g. SCRAPEINDEX_SERVER_PORT,
//     SCRAPEINDEX_CRAWLER_CONCURRENCY) for keys that have defaults; set the rest in the config file.
//   - Run locally: go run ./cmd/webcrawler -config config.yaml (or rely solely on env overrides).
package main
