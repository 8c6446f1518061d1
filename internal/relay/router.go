// Package relay implements the chat router and the loop that feeds it.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nainya/chatrelay/internal/logger"
	"github.com/nainya/chatrelay/internal/metrics"
	"github.com/nainya/chatrelay/pkg/archive"
	"github.com/nainya/chatrelay/pkg/bridge"
	"github.com/nainya/chatrelay/pkg/chat"
)

var (
	// ErrMisaddressed is returned when a peer asks us to deliver a message to another node
	ErrMisaddressed = errors.New("relay: peer request not addressed to this node")

	// ErrSelfAddressed is returned when the local UI sends a message to its own node
	ErrSelfAddressed = errors.New("relay: cannot send a message to the local node")

	// ErrNoOpenChannel means a live update was skipped because no UI channel exists
	ErrNoOpenChannel = errors.New("relay: no open channel")

	// ErrNoForwarder means forwarding is not configured
	ErrNoForwarder = errors.New("relay: no forwarder configured")
)

// Forwarder delivers a chat request payload to another node's relay.
type Forwarder interface {
	Forward(ctx context.Context, target string, payload []byte) (chat.Response, error)
}

// Pusher writes a live update to a UI channel.
type Pusher interface {
	Push(channelID uint32, payload []byte) error
}

// Responder sends the RPC-style response for the request being handled.
type Responder func(chat.Response)

// Policy holds the behaviors the relay leaves configurable.
type Policy struct {
	// ForwardTimeout bounds the wait for a peer to acknowledge a forward.
	ForwardTimeout time.Duration
	// AsyncForward runs forwards off the loop goroutine.
	AsyncForward bool
	// AckBeforeAppend acknowledges a peer before the message is archived.
	AckBeforeAppend bool
	// EchoWebSocketSends pushes a live update for sends made over the UI channel.
	EchoWebSocketSends bool
	// EchoHTTPSends pushes a live update for sends made over HTTP POST.
	EchoHTTPSends bool
}

// DefaultPolicy mirrors the reference relay, except that forwards do not block the loop.
func DefaultPolicy() Policy {
	return Policy{
		ForwardTimeout:     5 * time.Second,
		AsyncForward:       true,
		AckBeforeAppend:    true,
		EchoWebSocketSends: true,
		EchoHTTPSends:      false,
	}
}

// Router applies chat requests to the archive. It is owned by one goroutine.
type Router struct {
	self      string
	archive   *archive.Archive
	channel   *bridge.ChannelState
	forwarder Forwarder
	pusher    Pusher
	policy    Policy
	log       *logger.Logger
	metrics   *metrics.Metrics

	// results receives the outcome of asynchronous forwards.
	results  func(bridge.PeerResponse)
	inflight sync.WaitGroup
}

// RouterDeps groups what a Router needs.
type RouterDeps struct {
	Self      string
	Archive   *archive.Archive
	Channel   *bridge.ChannelState
	Forwarder Forwarder
	Pusher    Pusher
	Policy    Policy
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Results   func(bridge.PeerResponse)
}

// NewRouter creates a router for node deps.Self.
func NewRouter(deps RouterDeps) *Router {
	if deps.Policy.ForwardTimeout <= 0 {
		deps.Policy.ForwardTimeout = DefaultPolicy().ForwardTimeout
	}
	return &Router{
		self:      deps.Self,
		archive:   deps.Archive,
		channel:   deps.Channel,
		forwarder: deps.Forwarder,
		pusher:    deps.Pusher,
		policy:    deps.Policy,
		log:       deps.Logger,
		metrics:   deps.Metrics,
		results:   deps.Results,
	}
}

// Handle processes one classified request.
func (r *Router) Handle(ctx context.Context, c *bridge.Classified, respond Responder) error {
	switch c.Request.Kind {
	case chat.KindHistory:
		respond(chat.HistoryResponse(r.archive.Snapshot()))
		return nil
	case chat.KindSend:
		return r.send(ctx, c, respond)
	default:
		return chat.ErrUnknownVariant
	}
}

func (r *Router) send(ctx context.Context, c *bridge.Classified, respond Responder) error {
	target := c.Request.Target
	incoming := target == r.self

	if incoming && c.Origin.Local() {
		return ErrSelfAddressed
	}
	if !incoming && c.Origin == bridge.OriginRemotePeer {
		return ErrMisaddressed
	}

	counterparty, author := target, r.self
	direction := "outgoing"
	if incoming {
		counterparty, author = c.Source, c.Source
		direction = "incoming"
	}

	if !incoming {
		r.log.Info("new message").
			Str("target", target).
			Str("origin", c.Origin.String()).
			Send()
		r.forward(ctx, target, c.Payload)
	}

	conv := r.archive.GetOrCreate(counterparty)
	msg := chat.Message{Author: author, Content: c.Request.Message}
	appendMsg := func() {
		conv.Append(msg)
		r.metrics.RecordAppend(direction, len(r.archive.Counterparties()))
	}

	switch c.Origin {
	case bridge.OriginLocalHTTP:
		appendMsg()
		if r.policy.EchoHTTPSends {
			r.notify(counterparty, msg)
		}

	case bridge.OriginRemotePeer:
		if r.policy.AckBeforeAppend {
			respond(chat.AckResponse())
			appendMsg()
		} else {
			appendMsg()
			respond(chat.AckResponse())
		}
		r.notify(counterparty, msg)

	case bridge.OriginLocalWebSocket:
		appendMsg()
		if r.policy.EchoWebSocketSends {
			r.notify(counterparty, msg)
		}
	}

	return nil
}

// notify pushes a NewMessage event to the most recently opened channel.
func (r *Router) notify(counterparty string, msg chat.Message) {
	id, ok := r.channel.Current()
	if !ok || r.pusher == nil {
		r.metrics.WebSocketPushesTotal.WithLabelValues("no_channel").Inc()
		r.log.Debug("live update skipped").Err(ErrNoOpenChannel).Send()
		return
	}

	payload, err := chat.EncodeNewMessage(chat.NewMessage{
		Chat:    counterparty,
		Author:  msg.Author,
		Content: msg.Content,
	})
	if err != nil {
		r.log.Error("encode live update").Err(err).Send()
		return
	}

	if err := r.pusher.Push(id, payload); err != nil {
		r.metrics.WebSocketPushesTotal.WithLabelValues("failed").Inc()
		r.log.Warn("live update failed").Uint32("channel_id", id).Err(err).Send()
		return
	}
	r.metrics.WebSocketPushesTotal.WithLabelValues("sent").Inc()
}

// forward sends payload to target once. Failures are logged and never retried.
func (r *Router) forward(ctx context.Context, target string, payload []byte) {
	if !r.policy.AsyncForward {
		r.deliver(ctx, target, payload)
		return
	}

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		res := r.deliver(ctx, target, payload)
		if r.results != nil {
			r.results(res)
		}
	}()
}

func (r *Router) deliver(ctx context.Context, target string, payload []byte) bridge.PeerResponse {
	ctx, cancel := context.WithTimeout(ctx, r.policy.ForwardTimeout)
	defer cancel()

	start := time.Now()
	var (
		resp chat.Response
		err  error
	)
	if r.forwarder == nil {
		err = ErrNoForwarder
	} else {
		resp, err = r.forwarder.Forward(ctx, target, payload)
	}
	duration := time.Since(start)

	r.metrics.RecordForward(err, duration)
	r.log.LogForward(target, duration, err)

	res := bridge.PeerResponse{Target: target, Err: err}
	if err == nil {
		res.Response = &resp
	}
	return res
}

// Wait blocks until every asynchronous forward has finished.
func (r *Router) Wait() {
	r.inflight.Wait()
}
