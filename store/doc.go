// Package store provides namespaced, TTL-aware storage for credentials and
// pending authorization state.
//
// Store is the byte-level contract with an in-memory implementation
// (MemoryStore) and a Redis-backed one (RedisStore). SubStore layers a
// base namespace, a JSON codec and a TTL policy on top of any Store.
// Fingerprint derives stable identifiers from configuration values.
package store
