// Package memory provides the two-tier memory store used by the turn
// orchestrator: a fast in-process working tier with per-entry TTL and access
// accounting, and a durable tier persisted through a storage backend.
//
// Working-memory entries are lost on process restart and bounded by a
// periodic sweep that evicts expired entries. Durable entries survive
// restarts and are untouched by the sweep and by Destroy.
package memory
