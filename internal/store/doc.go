// Package store groups the persistence implementations: the memory subpackage
// backs tests and development mode, the postgres subpackage backs production.
// Interfaces live in internal/ingest so this tree stays driver-specific.
package store
