// Package mcp contains the subset of Model Context Protocol data types this
// server speaks: the initialize handshake, ping, and the tools capability.
// Types mirror the wire representation (exported structs with json tags,
// string constants for method names).
//
// The package carries no transport logic. The streaming HTTP router, the
// per-session engine and the tool registry all exchange these types and leave
// JSON-RPC framing to internal/jsonrpc.
package mcp
