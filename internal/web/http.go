// Package web serves the local UI: one chat path dispatching on method and a
// WebSocket channel for live updates.
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nainya/chatrelay/internal/logger"
	"github.com/nainya/chatrelay/internal/metrics"
	"github.com/nainya/chatrelay/internal/relay"
	"github.com/nainya/chatrelay/pkg/bridge"
)

// Submitter hands a unit of work to the relay loop and waits for its reply.
type Submitter interface {
	Submit(ctx context.Context, u bridge.Unit) (relay.Reply, error)
}

// Options configures the local UI surface.
type Options struct {
	Path          string
	WebSocketPath string
	// DropMalformed closes the connection without a response for undecodable
	// POST bodies. When false a 400 is returned instead.
	DropMalformed bool
	PingPeriod    time.Duration
}

// DefaultOptions returns the paths and timings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Path:          "/chat",
		WebSocketPath: "/chat/ws",
		DropMalformed: true,
		PingPeriod:    10 * time.Second,
	}
}

// Handler is the http.Handler for the local UI.
type Handler struct {
	relay    Submitter
	hub      *Hub
	opts     Options
	log      *logger.Logger
	metrics  *metrics.Metrics
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewHandler binds the chat and WebSocket paths once.
func NewHandler(r Submitter, hub *Hub, opts Options, log *logger.Logger, m *metrics.Metrics) *Handler {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultOptions().PingPeriod
	}
	h := &Handler{
		relay:   r,
		hub:     hub,
		opts:    opts,
		log:     log,
		metrics: m,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			// The UI is served locally; accept any origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	h.router.HandleFunc(opts.WebSocketPath, h.serveWebSocket)
	h.router.HandleFunc(opts.Path, h.serveChat)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) serveChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.finish(w, r, http.StatusBadRequest)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var payload []byte
	if len(body) > 0 {
		payload = body
	}

	reply, err := h.relay.Submit(r.Context(), bridge.HTTPRequest{Method: r.Method, Payload: payload})
	if err != nil {
		h.finish(w, r, http.StatusServiceUnavailable)
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	switch {
	case reply.Status == http.StatusMethodNotAllowed:
		h.finish(w, r, http.StatusMethodNotAllowed)
		w.WriteHeader(http.StatusMethodNotAllowed)

	case errors.Is(reply.Err, bridge.ErrMalformedRequest), errors.Is(reply.Err, bridge.ErrMissingPayload):
		if h.opts.DropMalformed {
			h.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, "dropped").Inc()
			h.log.Debug("dropping malformed request").Err(reply.Err).Send()
			drop(w)
			return
		}
		h.finish(w, r, http.StatusBadRequest)
		http.Error(w, reply.Err.Error(), http.StatusBadRequest)

	case errors.Is(reply.Err, relay.ErrSelfAddressed):
		h.finish(w, r, http.StatusBadRequest)
		http.Error(w, reply.Err.Error(), http.StatusBadRequest)

	case reply.Err != nil:
		h.finish(w, r, http.StatusInternalServerError)
		http.Error(w, "internal error", http.StatusInternalServerError)

	case reply.Status == http.StatusOK && reply.Response != nil:
		body, err := reply.Response.MarshalJSON()
		if err != nil {
			h.finish(w, r, http.StatusInternalServerError)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.finish(w, r, http.StatusOK)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)

	default:
		h.finish(w, r, reply.Status)
		w.WriteHeader(reply.Status)
	}
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request, code int) {
	h.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
}

// drop closes the client connection without writing a response.
func drop(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed").Err(err).Send()
		return
	}
	defer conn.Close()

	id, ch := h.hub.register(conn)
	h.metrics.WebSocketConnections.Inc()
	log := h.log.WithFields(map[string]interface{}{"channel_id": id})
	log.Info("channel opened").Str("remote", conn.RemoteAddr().String()).Send()

	ctx := r.Context()
	defer func() {
		h.hub.unregister(id)
		h.metrics.WebSocketConnections.Dec()
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.relay.Submit(closeCtx, bridge.WebSocketClose{ChannelID: id})
		log.Info("channel closed").Send()
	}()

	if _, err := h.relay.Submit(ctx, bridge.WebSocketOpen{ChannelID: id}); err != nil {
		log.Warn("relay rejected channel").Err(err).Send()
		return
	}

	pongWait := 3 * h.opts.PingPeriod
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.heartbeat(ch, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended").Err(err).Send()
			}
			return
		}

		reply, err := h.relay.Submit(ctx, bridge.WebSocketPush{ChannelID: id, Payload: msg})
		if err != nil {
			return
		}
		if reply.Err != nil {
			log.Debug("websocket frame dropped").Err(reply.Err).Send()
			continue
		}
		if reply.Response != nil {
			body, err := reply.Response.MarshalJSON()
			if err == nil {
				err = ch.write(websocket.TextMessage, body)
			}
			if err != nil {
				log.Warn("failed to answer websocket request").Err(err).Send()
				return
			}
		}
	}
}

func (h *Handler) heartbeat(ch *channel, done <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := ch.write(websocket.PingMessage, nil); err != nil {
				ch.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
