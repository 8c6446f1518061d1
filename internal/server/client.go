package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nainya/chatrelay/pkg/chat"
)

// ErrUnknownPeer is returned when a target node has no address in the peer table
var ErrUnknownPeer = errors.New("server: unknown peer")

// Client forwards chat requests to other relays. It implements relay.Forwarder.
type Client struct {
	self  string
	peers map[string]string
	opts  []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a forwarding client for node self. peers maps node ids to
// host:port addresses of their relay's gRPC listener.
func NewClient(self string, peers map[string]string, opts ...grpc.DialOption) *Client {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	table := make(map[string]string, len(peers))
	for k, v := range peers {
		table[k] = v
	}
	return &Client{
		self:  self,
		peers: table,
		opts:  opts,
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Forward sends payload to target's relay and decodes its response
func (c *Client) Forward(ctx context.Context, target string, payload []byte) (chat.Response, error) {
	conn, err := c.conn(target)
	if err != nil {
		return chat.Response{}, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, NodeHeader, c.self)
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, DeliverMethod, wrapperspb.Bytes(payload), out); err != nil {
		return chat.Response{}, fmt.Errorf("forward to %s: %w", target, err)
	}

	var resp chat.Response
	if err := resp.UnmarshalJSON(out.GetValue()); err != nil {
		return chat.Response{}, fmt.Errorf("decode response from %s: %w", target, err)
	}
	return resp, nil
}

func (c *Client) conn(target string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	addr, ok := c.peers[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}

	conn, err := grpc.NewClient(addr, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	c.conns[target] = conn
	return conn, nil
}

// Close closes every peer connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for target, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", target, err))
		}
		delete(c.conns, target)
	}
	return errors.Join(errs...)
}
