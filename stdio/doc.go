// Package stdio runs a single MCP session over newline-delimited JSON-RPC on
// a reader and writer, by default os.Stdin and os.Stdout. It is intended for
// running the server as a subprocess of a desktop client.
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (implicit principal, logged only)
//	Sessions         : exactly one, never persisted
//
// Messages are handled concurrently so a notifications/cancelled line can
// reach a tool call that is still running. Responses are written one per
// line in completion order.
//
// Example:
//
//	conn := engine.New("stdio", dispatcher)
//	if err := stdio.NewHandler(conn).Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
package stdio
