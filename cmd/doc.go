// Package cmd defines the mediascrape CLI.
//
// Architecture overview:
//   - Queue: jobs (one page URL each) live on a pluggable backend: in-memory for local runs, a MySQL table
//     claimed with FOR UPDATE SKIP LOCKED, an NSQ topic, or a Pub/Sub subscription. The queue owns retry
//     scheduling: workers only report success or failure.
//   - Workers: `run` starts worker.concurrency claim loops. Each fetches its page with Colly, parses
//     img/video/iframe references with goquery, tags them with the job URL and hands them to the buffer.
//     fetch.host_rps optionally throttles requests per host. Each job is traced as a scrape.job span.
//   - Persistence: the buffer batches records and writes them to memory, Postgres (COPY) or GCS (NDJSON
//     objects) when it reaches buffer.capacity, every buffer.flush_interval, and once more at shutdown.
//   - Shutdown: SIGINT/SIGTERM stops intake, waits for in-flight jobs, flushes the buffer, then closes the
//     queue and store. /readyz turns 503 as soon as draining starts.
//
// Quick checklist:
//   - Configure env vars: SCRAPER_QUEUE_BACKEND, SCRAPER_STORAGE_BACKEND, SCRAPER_WORKER_CONCURRENCY and
//     the backend DSNs/addresses (SCRAPER_QUEUE_MYSQL_DSN, SCRAPER_STORAGE_POSTGRES_DSN, ...). A .env file
//     in the working directory is loaded first.
//   - Run locally: go run . run --seed https://example.com
//   - Submit work to a durable queue: go run . enqueue https://a.example https://b.example
package cmd
