// Package ingest defines the core types and interfaces shared across the
// crawl-and-index pipeline: crawl campaigns, fetched URLs, documents, chunks,
// and the contracts for the stores, queues, and providers they depend on.
package ingest
