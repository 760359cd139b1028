// Package httpbridge carries envelopes over HTTP: requests and commands are
// POSTed to the host, responses come back on a per-session SSE stream.
package httpbridge

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/r3labs/sse/v2"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

const (
	MessagesEndpoint = "/bridge/messages"
	EventsEndpoint   = "/bridge/events"
	SessionHeader    = "X-Carto-Session"

	applicationJSON     = "application/json"
	authorizationHeader = "Authorization"
	maxMessageBytes     = 4 << 20
)

type (
	// Handler is the host end of the HTTP boundary.
	Handler struct {
		router  *carto.Router
		events  *sse.Server
		mux     chi.Router
		options *Options
	}

	Options struct {
		authFn         AuthFn
		allowedOrigins []string
	}

	// AuthFn reports whether token grants access to session. An empty session
	// asks only whether the token is valid.
	AuthFn func(ctx context.Context, token string, session string) bool

	Option func(o *Options)
)

func WithAuth(fn AuthFn) Option {
	return func(o *Options) {
		o.authFn = fn
	}
}

func WithAllowedOrigins(origins ...string) Option {
	return func(o *Options) {
		if len(origins) > 0 {
			o.allowedOrigins = origins
		}
	}
}

func NewHandler(router *carto.Router, options ...Option) *Handler {
	opts := &Options{
		authFn:         func(ctx context.Context, token string, session string) bool { return true },
		allowedOrigins: []string{"*"},
	}
	for _, option := range options {
		option(opts)
	}

	events := sse.New()
	events.AutoStream = true
	events.AutoReplay = false

	h := &Handler{
		router:  router,
		events:  events,
		options: opts,
	}

	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", SessionHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	mux.Post(MessagesEndpoint, h.handleMessage)
	mux.Get(EventsEndpoint, h.handleEvents)
	h.mux = mux

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close ends every open event stream.
func (h *Handler) Close() {
	h.events.Close()
}

func (h *Handler) handleMessage(w http.ResponseWriter, req *http.Request) {
	if !validateRequest(w, req, h.options.authFn) {
		return
	}
	session := req.Header.Get(SessionHeader)

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxMessageBytes))
	if err != nil {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	// the response travels on the event stream, not on this request
	w.WriteHeader(http.StatusAccepted)

	ctx := context.WithoutCancel(req.Context())
	go func() {
		resp := h.router.OnMessage(ctx, body)
		if resp == nil {
			return
		}
		if !h.events.StreamExists(session) {
			glog.V(1).Infof("httpbridge: session %s has no event stream, response dropped", session)
			return
		}
		h.events.Publish(session, &sse.Event{Data: resp})
	}()
}

func (h *Handler) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Get("stream") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !authorize(req, h.options.authFn, req.URL.Query().Get("stream")) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.events.ServeHTTP(w, req)
}

func validateRequest(w http.ResponseWriter, r *http.Request, authFn AuthFn) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	if r.Header.Get("Content-Type") != applicationJSON {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	session := r.Header.Get(SessionHeader)
	if session == "" {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	if !authorize(r, authFn, session) {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	return true
}

// authorize reads the bearer token from the Authorization header, or from the
// token query parameter for EventSource clients that cannot set headers.
func authorize(r *http.Request, authFn AuthFn, session string) bool {
	if authFn == nil {
		return true
	}
	token := r.Header.Get(authorizationHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return authFn(r.Context(), token, session)
}
