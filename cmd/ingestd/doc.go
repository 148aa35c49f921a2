// Command ingestd discovers CSV files on monitored open-data pages and loads
// their rows into capped per-source stores.
//
//   - ingestd serve runs the weekly scheduler and the HTTP API
//     (/v1/sources, /v1/cycles, /healthz, /readyz, /metrics).
//   - ingestd run performs one blocking cycle over the configured sources and
//     prints its summary as JSON.
//
// Configuration comes from an optional YAML file (--config), an env file
// (env_file, default db.env) and INGEST_* environment variables, e.g.
// INGEST_STORE_DSN. A postgres store without a DSN is a startup error.
package main
