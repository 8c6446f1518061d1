// ABOUTME: Transport bridge classifying inbound units of work
// ABOUTME: Normalizes peer, HTTP and WebSocket input into one chat request shape

package bridge

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nainya/chatrelay/pkg/chat"
)

var (
	// ErrMalformedRequest indicates a payload that does not decode as a chat request
	ErrMalformedRequest = errors.New("bridge: malformed request")

	// ErrMissingPayload indicates a unit that needed a payload but carried none
	ErrMissingPayload = errors.New("bridge: missing payload")

	// ErrUnsupportedMethod indicates an HTTP method other than GET or POST
	ErrUnsupportedMethod = errors.New("bridge: method not allowed")
)

// Origin tells the router which path a request came in on.
type Origin int

const (
	OriginRemotePeer Origin = iota + 1
	OriginLocalHTTP
	OriginLocalWebSocket
)

func (o Origin) String() string {
	switch o {
	case OriginRemotePeer:
		return "remote_peer"
	case OriginLocalHTTP:
		return "local_http"
	case OriginLocalWebSocket:
		return "local_websocket"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Local reports whether the request came from the local UI.
func (o Origin) Local() bool {
	return o == OriginLocalHTTP || o == OriginLocalWebSocket
}

// Unit is one piece of work delivered to the relay loop.
type Unit interface {
	unit()
}

// PeerRequest is an inter-node request from another relay.
type PeerRequest struct {
	Source  string
	Payload []byte
}

// PeerResponse carries the outcome of a forward back to the loop.
type PeerResponse struct {
	Target   string
	Response *chat.Response
	Err      error
}

// HTTPRequest is a request to the bound chat path.
type HTTPRequest struct {
	Method  string
	Payload []byte
}

// WebSocketOpen announces a newly opened UI channel.
type WebSocketOpen struct {
	ChannelID uint32
}

// WebSocketPush is a frame received from a UI channel.
type WebSocketPush struct {
	ChannelID uint32
	Payload   []byte
}

// WebSocketClose announces a closed UI channel.
type WebSocketClose struct {
	ChannelID uint32
}

func (PeerRequest) unit()    {}
func (PeerResponse) unit()   {}
func (HTTPRequest) unit()    {}
func (WebSocketOpen) unit()  {}
func (WebSocketPush) unit()  {}
func (WebSocketClose) unit() {}

// Classified is a normalized chat request ready for routing.
type Classified struct {
	Request chat.Request
	Origin  Origin
	// Source is the node the request came from; the local node for UI input.
	Source string
	// ChannelID is set for requests that arrived over a WebSocket channel.
	ChannelID uint32
	// Payload is the raw request, forwarded verbatim to peers.
	Payload []byte
}

// ChannelState tracks the most recently opened UI channel.
type ChannelState struct {
	id   uint32
	open bool
}

// Set records id as the current channel.
func (s *ChannelState) Set(id uint32) {
	s.id = id
	s.open = true
}

// Current returns the current channel id and whether one was ever opened.
func (s *ChannelState) Current() (uint32, bool) {
	return s.id, s.open
}

// Bridge classifies units on behalf of the local node.
type Bridge struct {
	self    string
	channel *ChannelState
}

// New creates a bridge for node self that records channel opens in channel.
func New(self string, channel *ChannelState) *Bridge {
	return &Bridge{self: self, channel: channel}
}

// Classify turns u into a chat request. It returns nil and no error for
// units that are fully handled here, such as channel open and close events.
func (b *Bridge) Classify(u Unit) (*Classified, error) {
	switch u := u.(type) {
	case PeerRequest:
		return b.decode(u.Payload, OriginRemotePeer, u.Source, 0)

	case HTTPRequest:
		switch u.Method {
		case http.MethodGet:
			return &Classified{
				Request: chat.HistoryRequest(),
				Origin:  OriginLocalHTTP,
				Source:  b.self,
			}, nil
		case http.MethodPost:
			return b.decode(u.Payload, OriginLocalHTTP, b.self, 0)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, u.Method)
		}

	case WebSocketPush:
		return b.decode(u.Payload, OriginLocalWebSocket, b.self, u.ChannelID)

	case WebSocketOpen:
		b.channel.Set(u.ChannelID)
		return nil, nil

	case WebSocketClose:
		return nil, nil

	case PeerResponse:
		return nil, nil

	default:
		return nil, fmt.Errorf("bridge: unexpected unit %T", u)
	}
}

func (b *Bridge) decode(payload []byte, origin Origin, source string, channelID uint32) (*Classified, error) {
	if len(payload) == 0 {
		return nil, ErrMissingPayload
	}
	req, err := chat.DecodeRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return &Classified{
		Request:   req,
		Origin:    origin,
		Source:    source,
		ChannelID: channelID,
		Payload:   payload,
	}, nil
}
