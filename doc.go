/*
Package emberdb provides a pure-Go, standard-format-compatible embedded durable
key/value store.

EmberDB is an LSM-tree based storage engine suitable for high-write workloads,
using an on-disk layout for SST files, WAL, and MANIFEST that follows the
conventions of widely deployed LSM engines.

# Concurrency

A DB instance is safe for concurrent use by multiple goroutines. Individual
Iterator instances are not safe for concurrent use; each goroutine should
use its own iterator.
*/
package emberdb
