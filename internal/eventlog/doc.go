// Package eventlog implements the append-only per-store event log on top of
// the Pebble wrapper.
//
// Each store owns a contiguous run of event keys ordered by big-endian
// sequence number plus a single context row holding the current head and the
// backend identity. The key prefix embeds the persistence format version;
// bumping the version leaves old rows unreachable, which acts as an
// intentional soft reset of every store.
package eventlog
