// Package remote shares a blob store over socket.io.
//
// A Server exposes any blobstore.Store to remote workers; a Client is a
// blobstore.Store that forwards every call to a Server. Each call is one
// acknowledged event:
//
//	cache:get     {name}          -> {found, data}
//	cache:put     {name, data}    -> {}
//	cache:delete  {name}          -> {}
//	cache:list    {}              -> {blobs: [{name, size, mtime}]}
//
// Blob bytes travel base64 encoded. Any failure is reported as {error}.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/vk/keygraph/internal/blobstore"
)

// Event names.
const (
	EventGet    = "cache:get"
	EventPut    = "cache:put"
	EventDelete = "cache:delete"
	EventList   = "cache:list"
)

// Message is the decoded form of every request and response.
type Message = map[string]any

// Handler answers protocol requests against a store.
type Handler struct {
	Store blobstore.Store
}

// Handle dispatches one request.
func (h *Handler) Handle(ctx context.Context, event string, req Message) Message {
	var (
		resp Message
		err  error
	)
	switch event {
	case EventGet:
		resp, err = h.get(ctx, req)
	case EventPut:
		resp, err = h.put(ctx, req)
	case EventDelete:
		resp, err = h.delete(ctx, req)
	case EventList:
		resp, err = h.list(ctx)
	default:
		err = fmt.Errorf("unknown event %q", event)
	}
	if err != nil {
		return Message{"error": err.Error()}
	}
	return resp
}

func (h *Handler) get(ctx context.Context, req Message) (Message, error) {
	name, err := stringField(req, "name")
	if err != nil {
		return nil, err
	}
	data, err := h.Store.Get(ctx, name)
	if errors.Is(err, blobstore.ErrNotFound) {
		return Message{"found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return Message{"found": true, "data": base64.StdEncoding.EncodeToString(data)}, nil
}

func (h *Handler) put(ctx context.Context, req Message) (Message, error) {
	name, err := stringField(req, "name")
	if err != nil {
		return nil, err
	}
	data, err := bytesField(req, "data")
	if err != nil {
		return nil, err
	}
	return Message{}, h.Store.Put(ctx, name, data)
}

func (h *Handler) delete(ctx context.Context, req Message) (Message, error) {
	name, err := stringField(req, "name")
	if err != nil {
		return nil, err
	}
	return Message{}, h.Store.Delete(ctx, name)
}

func (h *Handler) list(ctx context.Context) (Message, error) {
	blobs := []any{}
	err := h.Store.List(ctx, func(i blobstore.Info) error {
		blobs = append(blobs, Message{
			"name":  i.Name,
			"size":  float64(i.Size),
			"mtime": i.ModTime.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Message{"blobs": blobs}, nil
}

// responseError turns an {error} response into a Go error.
func responseError(resp Message) error {
	if msg, ok := resp["error"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return nil
}

func stringField(m Message, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return s, nil
}

func bytesField(m Message, key string) ([]byte, error) {
	s, err := stringField(m, key)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("field %q is not base64: %w", key, err)
	}
	return data, nil
}

func decodeInfo(v any) (blobstore.Info, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return blobstore.Info{}, fmt.Errorf("blob entry has type %T", v)
	}
	name, err := stringField(m, "name")
	if err != nil {
		return blobstore.Info{}, err
	}
	size, _ := m["size"].(float64)
	info := blobstore.Info{Name: name, Size: int64(size)}
	if s, ok := m["mtime"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			info.ModTime = t
		}
	}
	return info, nil
}
