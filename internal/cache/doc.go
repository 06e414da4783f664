// Package cache implements the two-tier result cache.
//
// L1 is a bounded in-process LRU. L2 is any Store shared between processes
// (Postgres, Badger, MongoDB, or the in-memory store used in tests). Reads go
// L1 then L2, promoting L2 hits. Writes go to L2 first and then L1; when L2
// cannot be reached the L1 copy is kept only briefly. Both tiers resolve
// concurrent writes to the same fingerprint by write timestamp.
package cache
