// Package memlink is a client library for the memcached distributed
// cache. It multiplexes a set of backend servers behind one logical
// Cache: keys route through a Ketama-style consistent-hash ring
// (internal/ring), connections are reused via a per-server keyed pool
// (internal/pool) speaking the binary wire protocol
// (internal/protocol, internal/conn), unhealthy servers are detected
// and excluded in the background (internal/health), and multi-key
// operations scatter/gather across servers in parallel
// (internal/multiop).
//
// Cache is the single entry point: construct one with New, issue
// scalar operations (Get, Set, Add, Replace, Delete, Incr, Decr, CAS,
// Touch) and multi-key operations (GetMulti, SetMulti, DeleteMulti),
// and Close it when done. No operation panics on an expected failure —
// per-key outcomes are returned as booleans, values, or per-key maps,
// following the teacher's "tagged result, not exception" convention
// (spec.md §7, §9).
package memlink
