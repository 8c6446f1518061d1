package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nainya/chatrelay/internal/logger"
	"github.com/nainya/chatrelay/internal/metrics"
	"github.com/nainya/chatrelay/pkg/archive"
	"github.com/nainya/chatrelay/pkg/bridge"
	"github.com/nainya/chatrelay/pkg/chat"
)

// ErrStopped is returned by Submit once the loop has exited.
var ErrStopped = errors.New("relay: loop stopped")

// Envelope is one unit of work queued for the loop.
type Envelope struct {
	Unit bridge.Unit
	// Reply receives exactly one Reply when non-nil. It must be buffered.
	Reply chan<- Reply
}

// Reply is what the loop hands back to the transport that submitted a unit.
type Reply struct {
	// Response is the RPC-style answer, if the router produced one.
	Response *chat.Response
	// Status is the HTTP status for local HTTP requests, zero otherwise.
	Status int
	// Err is set when the unit was rejected or dropped.
	Err error
}

// Config configures a Relay.
type Config struct {
	Node      string
	Forwarder Forwarder
	Pusher    Pusher
	Policy    Policy
	QueueSize int
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// Relay owns the archive and channel state and processes one unit at a time.
type Relay struct {
	node    string
	bridge  *bridge.Bridge
	router  *Router
	archive *archive.Archive
	log     *logger.Logger
	metrics *metrics.Metrics

	inbox    chan Envelope
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a relay for cfg.Node. Call Run to start processing.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	log := cfg.Logger.RouterLogger()
	channel := &bridge.ChannelState{}
	arch := archive.New()

	rl := &Relay{
		node:    cfg.Node,
		bridge:  bridge.New(cfg.Node, channel),
		archive: arch,
		log:     log,
		metrics: cfg.Metrics,
		inbox:   make(chan Envelope, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	rl.router = NewRouter(RouterDeps{
		Self:      cfg.Node,
		Archive:   arch,
		Channel:   channel,
		Forwarder: cfg.Forwarder,
		Pusher:    cfg.Pusher,
		Policy:    cfg.Policy,
		Logger:    log,
		Metrics:   cfg.Metrics,
		Results:   func(res bridge.PeerResponse) { rl.post(res) },
	})
	return rl
}

// Node returns the local node id.
func (rl *Relay) Node() string {
	return rl.node
}

// Submit queues u and waits for the loop to process it.
func (rl *Relay) Submit(ctx context.Context, u bridge.Unit) (Reply, error) {
	reply := make(chan Reply, 1)
	select {
	case rl.inbox <- Envelope{Unit: u, Reply: reply}:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-rl.done:
		return Reply{}, ErrStopped
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-rl.done:
		return Reply{}, ErrStopped
	}
}

// post queues u without waiting for a reply.
func (rl *Relay) post(u bridge.Unit) {
	select {
	case rl.inbox <- Envelope{Unit: u}:
	case <-rl.done:
	}
}

// Running reports whether Run is processing units.
func (rl *Relay) Running() bool {
	return rl.running.Load()
}

// Run processes units until ctx is cancelled, then waits for in-flight forwards.
func (rl *Relay) Run(ctx context.Context) error {
	rl.running.Store(true)
	defer func() {
		rl.running.Store(false)
		rl.stopOnce.Do(func() { close(rl.done) })
		rl.router.Wait()
	}()

	rl.log.Info("relay loop started").Str("node", rl.node).Send()
	for {
		select {
		case <-ctx.Done():
			rl.log.Info("relay loop stopped").Send()
			return nil
		case env := <-rl.inbox:
			rl.dispatch(ctx, env)
		}
	}
}

func (rl *Relay) dispatch(ctx context.Context, env Envelope) {
	var reply Reply
	ulog := rl.log.WithFields(map[string]interface{}{"unit_id": uuid.NewString()})

	defer func() {
		if p := recover(); p != nil {
			reply = Reply{Err: fmt.Errorf("relay: handler panic: %v", p)}
			ulog.Error("unit handler panicked").Interface("panic", p).Send()
		}
		if env.Reply != nil {
			env.Reply <- reply
		}
	}()

	if res, ok := env.Unit.(bridge.PeerResponse); ok {
		// Forward outcomes are not correlated with anything; log and discard.
		ulog.Debug("got response").
			Str("target", res.Target).
			Bool("ok", res.Err == nil).
			Send()
		return
	}

	c, err := rl.bridge.Classify(env.Unit)
	switch {
	case errors.Is(err, bridge.ErrUnsupportedMethod):
		reply = Reply{Status: http.StatusMethodNotAllowed, Err: err}
		return
	case err != nil:
		rl.metrics.DroppedUnitsTotal.WithLabelValues(dropReason(err)).Inc()
		ulog.Debug("unit dropped").Err(err).Send()
		reply = Reply{Err: err}
		return
	case c == nil:
		ulog.Debug("control unit handled").Str("unit", fmt.Sprintf("%T", env.Unit)).Send()
		return
	}

	err = rl.router.Handle(ctx, c, func(resp chat.Response) {
		reply.Response = &resp
	})
	if err != nil {
		ulog.Warn("request rejected").
			Str("origin", c.Origin.String()).
			Str("source", c.Source).
			Err(err).
			Send()
		reply.Err = err
		return
	}

	if c.Origin == bridge.OriginLocalHTTP {
		if c.Request.Kind == chat.KindSend {
			reply.Status = http.StatusCreated
		} else {
			reply.Status = http.StatusOK
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, bridge.ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, bridge.ErrMissingPayload):
		return "missing_payload"
	default:
		return "other"
	}
}
