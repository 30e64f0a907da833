package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/lifecycle"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
	streamer   *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		// Event streams are long-lived; they are bounded by the caller's context.
		streamer: &http.Client{Transport: transport},
	}
}

// Status retrieves the engine status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.getJSON(ctx, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Links retrieves the active links.
func (c *Client) Links(ctx context.Context) (*LinksResponse, error) {
	var links LinksResponse
	if err := c.getJSON(ctx, "/links", &links); err != nil {
		return nil, err
	}
	return &links, nil
}

// Requests retrieves the builds and teardowns in flight.
func (c *Client) Requests(ctx context.Context) (*RequestsResponse, error) {
	var reqs RequestsResponse
	if err := c.getJSON(ctx, "/requests", &reqs); err != nil {
		return nil, err
	}
	return &reqs, nil
}

// Bindings retrieves the lane bindings.
func (c *Client) Bindings(ctx context.Context) (*BindingsResponse, error) {
	var b BindingsResponse
	if err := c.getJSON(ctx, "/bindings", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Cache retrieves the cached P2P addresses.
func (c *Client) Cache(ctx context.Context) (*CacheResponse, error) {
	var cache CacheResponse
	if err := c.getJSON(ctx, "/cache", &cache); err != nil {
		return nil, err
	}
	return &cache, nil
}

// CancelBuild cancels the builds of reqID.
func (c *Client) CancelBuild(ctx context.Context, reqID uint32) error {
	return c.post(ctx, "/requests/cancel", CancelRequest{ReqID: reqID})
}

// DestroyLink asks the engine to tear a link down.
func (c *Client) DestroyLink(ctx context.Context, req DestroyRequest) error {
	return c.post(ctx, "/links/destroy", req)
}

// Events streams lifecycle events to fn until ctx is done, the server goes
// away or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(lifecycle.Event) error) error {
	conn, _, err := websocket.Dial(ctx, "ws://localhost/events", &websocket.DialOptions{
		HTTPClient: c.streamer,
	})
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev lifecycle.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do performs a request against the control socket. Non-2xx answers are
// turned into errors carrying the server's message.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return nil, &StatusError{Code: resp.StatusCode, Message: e.Error}
		}
		return nil, &StatusError{Code: resp.StatusCode}
	}

	return resp, nil
}

// StatusError is a non-2xx control response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// Is maps well-known status codes back onto engine errors.
func (e *StatusError) Is(target error) bool {
	switch e.Code {
	case http.StatusNotFound:
		return target == lane.ErrNotFound
	case http.StatusBadRequest:
		return target == lane.ErrInvalidParam
	case http.StatusServiceUnavailable:
		return target == lane.ErrEngineStopped
	}
	return false
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
