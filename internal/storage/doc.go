// Package storage persists captured session snapshots.
//
// It currently supports:
//   - "file": the latest snapshot as a JSON document, plus rotated copies
//   - "sqlite": a snapshots table trimmed to the newest N rows
package storage
