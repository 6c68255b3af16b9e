package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-exchange-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-exchange-server/internal/logctx"
	"github.com/ggoodman/mcp-exchange-server/sessions"
)

const maxLineBytes = 4 << 20

// Handler pumps lines between a reader, a writer and one sessions.Transport.
type Handler struct {
	transport    sessions.Transport
	r            io.Reader
	w            io.Writer
	log          *slog.Logger
	userProvider UserProvider
	sessionID    string

	writeMu sync.Mutex
	once    sync.Once
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(t sessions.Transport, opts ...Option) *Handler {
	h := &Handler{
		transport:    t,
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		userProvider: OSUserProvider{},
		sessionID:    "stdio",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs until the reader reaches EOF or ctx is done. On EOF in-flight
// messages are allowed to finish. The transport is closed on return either
// way. Serve may be called at most once.
func (h *Handler) Serve(ctx context.Context) error {
	started := false
	h.once.Do(func() { started = true })
	if !started {
		return errors.New("stdio: Serve called twice")
	}
	defer func() { _ = h.transport.Close() }()

	uid, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.log.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: h.sessionID, UserID: uid, State: "stdio"})

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	h.log.InfoContext(ctx, "stdio.serve.start")
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			// Closing the transport cancels whatever is still running.
			_ = h.transport.Close()
			wg.Wait()
			return ctx.Err()
		case err := <-readErr:
			wg.Wait()
			if err != nil {
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			req, rpcErr := jsonrpc.DecodeRequest(line)
			if rpcErr != nil {
				var id *jsonrpc.RequestID
				if req != nil {
					id = req.ID
				}
				h.write(ctx, jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, nil))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.handle(ctx, req)
			}()
		}
	}
}

func (h *Handler) handle(ctx context.Context, req *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: messageType(req)})
	resp, err := h.transport.HandleMessage(ctx, req)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.handle.fail", slog.String("err", err.Error()))
		if !req.IsNotification() {
			h.write(ctx, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		}
		return
	}
	if resp != nil {
		h.write(ctx, resp)
	}
}

func (h *Handler) write(ctx context.Context, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.encode.fail", slog.String("err", err.Error()))
		return
	}
	b = append(b, '\n')
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

func messageType(req *jsonrpc.Request) string {
	if req.IsNotification() {
		return "notification"
	}
	return "request"
}
