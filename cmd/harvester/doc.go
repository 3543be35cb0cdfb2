// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - Discovery: targets come from the config file (static lists) or a paged
//     explore index (internal/discovery.Paged). Each target is one journal or
//     query collection with an estimated unit weight.
//   - Scheduling: internal/scheduler partitions targets across runner
//     goroutines by estimated weight (greedy longest-processing-time) and
//     bounds in-flight work units per runner with a weighted semaphore.
//     Sharded targets run their shards in fixed-size sub-batches through the
//     headless fetcher; simple targets expand one index page at a time as the
//     extractor discovers follow-on units.
//   - Fetch pipeline: the Colly-based fetcher handles plain HTTP units; the
//     Chromedp fetcher renders script-dependent shard pages with a capped
//     number of browser contexts. The governor paces every request per host
//     and drives the bounded retry loop with linear backoff.
//   - Extraction & dedup: payloads route by format sniffing to the JSON
//     search-API extractor or the HTML citation-meta extractor. Accepted
//     records pass the dedup index exactly once per identity.
//   - Persistence & fanout: accepted records accumulate in the batch manager,
//     which flushes independent CSV artifacts to the configured store
//     (memory/local/GCS). Each flush emits a FLUSH_DONE progress event and an
//     optional Pub/Sub notification. Run history is optionally persisted to
//     Postgres through the progress store sink.
//   - Resume: the tracker checkpoints completed targets to disk; with
//     harvest.resume enabled a restart skips finished targets and reloads the
//     dedup index snapshot so rediscovered records stay deduplicated.
//   - Configuration & plumbing: Viper populates config from env/files (prefix
//     HARVEST_); zap provides structured logging; Prometheus metrics are
//     exported on /metrics; the chi server serves /status and read-only run
//     history endpoints.
//
// Run locally: go run ./cmd/harvester -config config.yaml (or rely solely on
// env overrides). The process reacts to SIGINT/SIGTERM with a graceful drain:
// the HTTP server stops, a final checkpoint and dedup snapshot are written,
// and the progress hub flushes buffered events.
package main
