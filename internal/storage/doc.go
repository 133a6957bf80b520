// Package storage defines the persistent key-value capability the message
// cache is built on.
//
// A backend implements Storage and may additionally implement Syncer when it
// needs a one-time readiness step (connectivity check, schema creation)
// before first use. Backends live in sub-packages:
//
//   - sqlite: embedded single-file store (default for the CLI)
//   - redis: shared store for multiple hosts
//   - postgres: shared relational store
//
// Memory is an in-process implementation used by tests and ephemeral hosts.
package storage
