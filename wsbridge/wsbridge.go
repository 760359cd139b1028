// Package wsbridge carries envelopes over one websocket per session, one
// envelope per text frame in both directions.
package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

// Endpoint is where hosts mount the Handler.
const Endpoint = "/bridge/ws"

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 4 << 20
)

// Handler upgrades host connections and answers every request frame on the
// same socket.
type Handler struct {
	router   *carto.Router
	upgrader websocket.Upgrader
}

func NewHandler(router *carto.Router, checkOrigin func(r *http.Request) bool) *Handler {
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.V(1).Infof("wsbridge: upgrade: %s", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	conn := &Conn{ws: ws}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("wsbridge: read: %s", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			resp := h.router.OnMessage(ctx, data)
			if resp == nil {
				return
			}
			if err := conn.Post(ctx, resp); err != nil {
				glog.V(1).Infof("wsbridge: response dropped: %s", err)
			}
		}()
	}
}

// Conn is one end of a websocket boundary. On the UI side it is the
// carto.Transport of a RequestChannel.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu    sync.RWMutex
	inbox func([]byte)

	closeOnce sync.Once
	done      chan struct{}
}

var _ carto.Transport = (*Conn)(nil)

// Dial connects to a host Handler and starts reading frames.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxMessageBytes)

	c := &Conn{ws: ws, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("wsbridge: read: %s", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.mu.RLock()
		inbox := c.inbox
		c.mu.RUnlock()
		if inbox == nil {
			glog.Warningf("wsbridge: frame dropped, no receiver")
			continue
		}
		inbox(data)
	}
}

func (c *Conn) Receive(inbox func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = inbox
}

// Post writes one text frame. Writes are serialized; gorilla allows one
// concurrent writer.
func (c *Conn) Post(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
