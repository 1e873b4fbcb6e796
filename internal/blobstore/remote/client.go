package remote

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/vk/keygraph/internal/blobstore"
	"github.com/vk/keygraph/internal/ctxlog"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultTimeout bounds every call when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// DefaultNamespace is the socket.io namespace the server listens on.
const DefaultNamespace = "/"

// ClientConfig locates a remote cache server.
type ClientConfig struct {
	URL string
	// Namespace defaults to DefaultNamespace. A missing leading slash is
	// added.
	Namespace          string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Client is a blobstore.Store served by a remote Server.
type Client struct {
	io      *socket.Socket
	timeout time.Duration
}

var _ blobstore.Store = (*Client)(nil)

type callResult struct {
	resp Message
	err  error
}

// Dial connects to a server and waits for the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	logger := ctxlog.FromContext(ctx).With("component", "remote-cache", "url", cfg.URL)

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		opts.SetPath(parsedURL.Path)
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(namespace(cfg.Namespace), opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to remote cache", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, ok := errs[0].(error)
		if !ok {
			err = fmt.Errorf("%v", errs[0])
		}
		connectChan <- err
	})

	io.Connect()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("remote cache connection failed: %w", err)
		}
		return &Client{io: io, timeout: timeout}, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for remote cache connection")
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for remote cache connection", timeout)
	}
}

func namespace(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	if !strings.HasPrefix(ns, "/") {
		return "/" + ns
	}
	return ns
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.io.Disconnect()
	return nil
}

func (c *Client) call(ctx context.Context, ev string, req Message) (Message, error) {
	done := make(chan callResult, 1)
	c.io.EmitWithAck(ev, req)(func(args []any, err error) {
		if err != nil {
			done <- callResult{err: err}
			return
		}
		if len(args) == 0 {
			done <- callResult{err: errors.New("empty acknowledgement")}
			return
		}
		resp, ok := args[0].(map[string]any)
		if !ok {
			done <- callResult{err: fmt.Errorf("acknowledgement has type %T", args[0])}
			return
		}
		done <- callResult{resp: resp, err: responseError(resp)}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("remote %s: %w", ev, r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("remote %s: timed out after %s", ev, c.timeout)
	}
}

// Get fetches a blob.
func (c *Client) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.call(ctx, EventGet, Message{"name": name})
	if err != nil {
		return nil, err
	}
	if found, _ := resp["found"].(bool); !found {
		return nil, fmt.Errorf("%s: %w", name, blobstore.ErrNotFound)
	}
	return bytesField(resp, "data")
}

// Put uploads a blob.
func (c *Client) Put(ctx context.Context, name string, data []byte) error {
	_, err := c.call(ctx, EventPut, Message{"name": name, "data": base64.StdEncoding.EncodeToString(data)})
	return err
}

// Delete removes a blob.
func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.call(ctx, EventDelete, Message{"name": name})
	return err
}

// List fetches the server's blob listing in one round trip.
func (c *Client) List(ctx context.Context, fn func(blobstore.Info) error) error {
	resp, err := c.call(ctx, EventList, Message{})
	if err != nil {
		return err
	}
	blobs, _ := resp["blobs"].([]any)
	for _, b := range blobs {
		info, err := decodeInfo(b)
		if err != nil {
			return fmt.Errorf("remote %s: %w", EventList, err)
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
