// Package mcpservice is the tool layer of the server: typed tool
// construction with reflected input schemas, an immutable Registry, and a
// Dispatcher that turns every invocation into a Result.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema_description:"Text to echo"`
//	}
//	echo := mcpservice.NewTool[EchoArgs]("echo",
//	    func(ctx context.Context, r *mcpservice.ToolRequest[EchoArgs]) (any, error) {
//	        return "you said: " + r.Args().Message, nil
//	    },
//	    mcpservice.WithToolDescription("Echo a message back to the caller"),
//	    mcpservice.WithToolTimeout(5*time.Second),
//	)
//	reg, err := mcpservice.NewRegistry(echo)
//	if err != nil { ... }
//	d := mcpservice.NewDispatcher(reg, mcpservice.WithLogger(logger))
//	res := d.Invoke(ctx, "echo", json.RawMessage(`{"message":"hi"}`))
//	_ = res.ToolResult() // {"content":[{"type":"text","text":"you said: hi"}],"isError":false}
//
// Handler errors, timeouts and panics never escape Invoke. They become a
// *Failure whose message names the tool, the error, and its type.
package mcpservice
