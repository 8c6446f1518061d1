// ABOUTME: Wire types exchanged between relays and with the local UI
// ABOUTME: Tagged unions are encoded as {"Variant":{...}} or "Variant"

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownVariant is returned when a tagged union carries a tag this
// package does not know.
var ErrUnknownVariant = errors.New("chat: unknown variant")

// ErrEmptyTarget is returned when a Send request names no target node.
var ErrEmptyTarget = errors.New("chat: send target is empty")

// ErrMissingMessage is returned when a Send request has no message field.
var ErrMissingMessage = errors.New("chat: send message is missing")

// Message is one entry of a conversation.
type Message struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// History maps a counterparty node to the messages exchanged with it, oldest first.
type History map[string][]Message

// RequestKind discriminates Request variants.
type RequestKind int

const (
	KindSend RequestKind = iota + 1
	KindHistory
)

func (k RequestKind) String() string {
	switch k {
	case KindSend:
		return "Send"
	case KindHistory:
		return "History"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Request is either Send{target, message} or History.
type Request struct {
	Kind    RequestKind
	Target  string
	Message string
}

// SendRequest builds a Send request.
func SendRequest(target, message string) Request {
	return Request{Kind: KindSend, Target: target, Message: message}
}

// HistoryRequest builds a History query.
func HistoryRequest() Request {
	return Request{Kind: KindHistory}
}

type sendBody struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindSend:
		return json.Marshal(map[string]sendBody{
			"Send": {Target: r.Target, Message: r.Message},
		})
	case KindHistory:
		return json.Marshal("History")
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, r.Kind)
	}
}

func (r *Request) UnmarshalJSON(data []byte) error {
	tag, body, err := splitVariant(data)
	if err != nil {
		return err
	}

	switch tag {
	case "Send":
		// Unknown fields are ignored; target and message must be present.
		var sb struct {
			Target  string  `json:"target"`
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(body, &sb); err != nil {
			return fmt.Errorf("chat: decode Send: %w", err)
		}
		if sb.Target == "" {
			return ErrEmptyTarget
		}
		if sb.Message == nil {
			return ErrMissingMessage
		}
		*r = SendRequest(sb.Target, *sb.Message)
	case "History":
		*r = HistoryRequest()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
	}
	return nil
}

// DecodeRequest parses a JSON encoded Request.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, err
	}
	return req, nil
}

// ResponseKind discriminates Response variants.
type ResponseKind int

const (
	KindAck ResponseKind = iota + 1
	KindHistoryResult
)

// Response is either Ack or History{messages}.
type Response struct {
	Kind     ResponseKind
	Messages History
}

// AckResponse acknowledges a delivered Send.
func AckResponse() Response {
	return Response{Kind: KindAck}
}

// HistoryResponse wraps an archive snapshot.
func HistoryResponse(messages History) Response {
	return Response{Kind: KindHistoryResult, Messages: messages}
}

type historyBody struct {
	Messages History `json:"messages"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindAck:
		return json.Marshal("Ack")
	case KindHistoryResult:
		messages := r.Messages
		if messages == nil {
			messages = History{}
		}
		return json.Marshal(map[string]historyBody{
			"History": {Messages: messages},
		})
	default:
		return nil, fmt.Errorf("%w: response kind %d", ErrUnknownVariant, int(r.Kind))
	}
}

func (r *Response) UnmarshalJSON(data []byte) error {
	tag, body, err := splitVariant(data)
	if err != nil {
		return err
	}

	switch tag {
	case "Ack":
		*r = AckResponse()
	case "History":
		var hb historyBody
		if err := json.Unmarshal(body, &hb); err != nil {
			return fmt.Errorf("chat: decode History: %w", err)
		}
		if hb.Messages == nil {
			hb.Messages = History{}
		}
		*r = HistoryResponse(hb.Messages)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
	}
	return nil
}

// NewMessage is the live-update event pushed to the local UI.
type NewMessage struct {
	Chat    string `json:"chat"`
	Author  string `json:"author"`
	Content string `json:"content"`
}

// EncodeNewMessage renders the {"NewMessage":{...}} push payload.
func EncodeNewMessage(ev NewMessage) ([]byte, error) {
	return json.Marshal(map[string]NewMessage{"NewMessage": ev})
}

// splitVariant accepts "Tag" or {"Tag": body} and returns the tag with its body.
// A unit variant yields a nil body.
func splitVariant(data []byte) (string, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, errors.New("chat: empty payload")
	}

	if data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return "", nil, err
		}
		return tag, nil, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("chat: expected exactly one variant, got %d", len(obj))
	}
	for tag, body := range obj {
		return tag, body, nil
	}
	return "", nil, nil
}
