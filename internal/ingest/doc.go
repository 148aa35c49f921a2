// Package ingest defines the core types and interfaces shared by the ingestion
// pipeline: monitored sources, discovered file tasks, normalized records, and the
// collaborators (stores, fetchers, archives, publishers) the worker depends on.
package ingest
