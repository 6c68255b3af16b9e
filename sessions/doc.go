// Package sessions owns the server-side record of every connected MCP client.
//
// A session binds an identifier (server-generated, or accepted from the client
// in compatibility mode) to two pieces of state that live in separate stores:
//
//	TransportStore -> the live protocol connection (process-local)
//	MetadataStore  -> timestamps and counters (process-local or Redis)
//
// The Registry is the only writer of both stores. Every insert and removal
// touches the pair as one step: a session is present in both stores or in
// neither. Timestamp and counter updates are single writes and follow
// last-write-wins, except LastActivityAt which never moves backwards.
//
// # Lifecycle
//
//	Uninitialized -> Active -> Terminal
//
// A session becomes Active when Create returns. It reaches Terminal through
// Remove, invoked for one of the Reason values: idle eviction by SweepIdle,
// an explicit close by the client or the transport, the error ceiling being
// exceeded, or process shutdown. A removed id is never revived; a later
// Create with the same id produces a new session.
//
// # Implementations
//
//	memory      : in-memory TransportStore and MetadataStore
//	redisstore  : Redis hash-per-session MetadataStore
//	sessionstest: conformance suite for MetadataStore implementations
package sessions
