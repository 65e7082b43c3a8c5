// Package pebblestore wraps a Pebble database with a fixed fsync policy and
// the small helper surface the event log needs: point reads/writes, atomic
// batches, iterators, and range deletes.
package pebblestore
