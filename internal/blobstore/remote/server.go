package remote

import (
	"context"
	"net/http"

	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/zishang520/socket.io/v2/socket"
)

// Server exposes a store to socket.io clients.
type Server struct {
	io      *socket.Server
	handler *Handler
}

// NewServer creates a server for store. ctx carries the logger used for
// connection events and the lifetime of request handling.
func NewServer(ctx context.Context, store blobstore.Store) *Server {
	s := &Server{io: socket.NewServer(nil, nil), handler: &Handler{Store: store}}
	logger := ctxlog.FromContext(ctx).With("component", "remote-cache")

	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		logger.Debug("Remote cache client connected.", "sid", client.Id())
		for _, ev := range []string{EventGet, EventPut, EventDelete, EventList} {
			client.On(ev, func(args ...any) {
				s.dispatch(ctx, ev, args)
			})
		}
		client.On("disconnect", func(reason ...any) {
			logger.Debug("Remote cache client disconnected.", "sid", client.Id(), "reason", reason)
		})
	})
	return s
}

func (s *Server) dispatch(ctx context.Context, ev string, args []any) {
	if len(args) == 0 {
		return
	}
	ack, ok := args[len(args)-1].(socket.Ack)
	if !ok {
		ctxlog.FromContext(ctx).Warn("Ignoring remote cache request without acknowledgement.", "event", ev)
		return
	}
	req := Message{}
	if len(args) > 1 {
		if m, ok := args[0].(map[string]any); ok {
			req = m
		}
	}
	ack([]any{s.handler.Handle(ctx, ev, req)}, nil)
}

// HTTPHandler serves the socket.io endpoint. Mount it at /socket.io/.
func (s *Server) HTTPHandler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.io.Close(nil)
}
