// Package stores provides the persistence layer: a SQLite-backed repository
// for production single-node deployments and an in-memory repository for
// tests and ephemeral use. Both implement the engine's Repository contract;
// the SQLite store also provides a lease-based scope locker.
package stores
