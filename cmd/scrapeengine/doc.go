// Package main hosts the scrape engine entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, synchronous resolve, async job submission and
//     cache administration under /v1. Requests are validated, fingerprinted by the orchestrator and either
//     resolved inline or persisted via the JobStore before being enqueued.
//   - Dispatcher & queue: async jobs flow through a bounded in-memory queue sized by engine.queue_depth and are
//     fanned out to a fixed worker pool sized by engine.workers. Closing the queue drains it; canceling the
//     context aborts in-flight jobs.
//   - Resolution: the orchestrator consults the two-tier cache, runs the fetch adapter (resty JSON client or
//     colly page fetcher, both behind a per-host rate limiter) under a named retry policy, scores the payload
//     against a schema and caches the result with a TTL chosen by its quality class.
//   - Persistence & fanout: the L2 tier is memory, Postgres, Badger or MongoDB. Raw bodies go to the configured
//     BlobStore (memory/local/GCS). A Pub/Sub notification is published per fetched resolution, and lifecycle
//     events are batched by the progress Hub into log and Pub/Sub sinks.
//   - Warming: a cron schedule refreshes hot entries shortly before they expire, and sweeps expired Postgres
//     rows when that backend is active.
//
// Quick checklist:
//   - Configure env vars: SCRAPER_SERVER_PORT, SCRAPER_ENGINE_WORKERS, SCRAPER_L2_BACKEND and its DSN/URI,
//     SCRAPER_FETCHER_KIND, SCRAPER_ARCHIVE_BACKEND, SCRAPER_PUBSUB_BACKEND and SCRAPER_AUTH_API_KEY. A .env
//     file in the working directory is loaded first when present.
//   - Run locally: go run ./cmd/scrapeengine serve --config config.yaml
//   - One-shot: go run ./cmd/scrapeengine resolve --target https://api.example.com/v1/profile --param user=alice
package main
