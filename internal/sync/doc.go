// Package sync implements the per-store synchronization core: lazy store
// bootstrap, the push protocol (conflict detection, atomic append, head
// advancement, broadcast), the cursor-based pull protocol, and the
// size-aware chunking shared by every transport adapter.
//
// Transports (WebSocket, HTTP, actor) are thin codec shims over Backend;
// all ordering and conflict semantics live here.
package sync
