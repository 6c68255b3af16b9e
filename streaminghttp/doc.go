// Package streaminghttp implements the session-bearing MCP endpoint over
// HTTP. It mounts as a standard net/http handler serving POST, GET and DELETE
// on /mcp.
//
// # Sessions
//
// The session identifier travels in the Mcp-Session-Id header. For every POST
// the Router applies, in order:
//
//  1. a known id reuses its session and records activity;
//  2. no id with an initialize request creates a session and returns its id
//     in the response header;
//  3. no id with any other method is rejected with -32000 (HTTP 400);
//  4. an unknown id is rejected with -32004 (HTTP 404), unless
//  5. compatibility mode is enabled, in which case a session is fabricated
//     under the client-supplied id and a warning is logged.
//
// # Deadlines
//
// Handling of each message is raced against the configured request timeout.
// When the deadline wins the client receives -32001 (HTTP 504), the session's
// error counter is incremented and a session whose counter exceeds the
// configured ceiling is torn down. Exactly one response is written per
// request; an answer that arrives after its deadline is dropped.
//
// Responses are plain application/json. GET /mcp answers 405 because this
// server never pushes messages outside a request. DELETE /mcp closes the
// session named by the header.
//
// Example:
//
//	router, err := streaminghttp.New(registry,
//	    streaminghttp.WithRequestTimeout(30*time.Second),
//	    streaminghttp.WithCompatMode(true),
//	)
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", router)
package streaminghttp
