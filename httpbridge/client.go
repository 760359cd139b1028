package httpbridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/r3labs/sse/v2"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

const defaultDialTimeout = 10 * time.Second

type (
	// Client is the UI end of the HTTP boundary for one session.
	Client struct {
		baseURL string
		session string
		token   string
		http    *http.Client
		events  *sse.Client
		cancel  context.CancelFunc

		mu    sync.RWMutex
		inbox func([]byte)
	}

	ClientOption func(c *Client)
)

var _ carto.Transport = (*Client)(nil)

func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// Dial subscribes to the session's event stream and returns once the stream
// is established, so no response can be published before anyone listens.
func Dial(ctx context.Context, baseURL string, session string, options ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, option := range options {
		option(c)
	}

	c.events = sse.NewClient(c.baseURL + EventsEndpoint)
	if c.token != "" {
		c.events.Headers[authorizationHeader] = "Bearer " + c.token
	}

	connected := make(chan struct{})
	var once sync.Once
	c.events.OnConnect(func(_ *sse.Client) {
		once.Do(func() { close(connected) })
	})

	subCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	errc := make(chan error, 1)
	go func() {
		errc <- c.events.SubscribeWithContext(subCtx, session, c.onEvent)
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancelDial context.CancelFunc
		ctx, cancelDial = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancelDial()
	}

	select {
	case <-connected:
		return c, nil
	case err := <-errc:
		cancel()
		if err == nil {
			err = fmt.Errorf("event stream closed")
		}
		return nil, fmt.Errorf("subscribe %s: %w", session, err)
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", session, ctx.Err())
	}
}

func (c *Client) onEvent(msg *sse.Event) {
	if len(msg.Data) == 0 {
		return
	}
	c.mu.RLock()
	inbox := c.inbox
	c.mu.RUnlock()

	if inbox == nil {
		glog.Warningf("httpbridge: event dropped, no receiver")
		return
	}
	inbox(append([]byte(nil), msg.Data...))
}

func (c *Client) Receive(inbox func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = inbox
}

func (c *Client) Post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+MessagesEndpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", applicationJSON)
	req.Header.Set(SessionHeader, c.session)
	if c.token != "" {
		req.Header.Set(authorizationHeader, "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("post message: unexpected status %s", resp.Status)
	}
	return nil
}

// Close stops the event subscription.
func (c *Client) Close() error {
	c.cancel()
	return nil
}
