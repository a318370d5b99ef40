package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrMalformedPacket = errors.New("malformed packet")

type FrameKind int

const (
	FrameNoop FrameKind = iota
	FrameOpen
	FrameClose
	FramePing
	FramePong
	FrameConnect
	FrameDisconnect
	FrameConnectError
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameConnect:
		return "connect"
	case FrameDisconnect:
		return "disconnect"
	case FrameConnectError:
		return "connect_error"
	case FrameEvent:
		return "event"
	}
	return "noop"
}

// Frame is one decoded websocket text message. For FrameEvent, Event is the
// event name and Payload its first argument (nil when the event has none).
// For the other kinds Payload is whatever followed the type prefix.
type Frame struct {
	Kind    FrameKind
	Event   string
	Payload json.RawMessage
}

// Handshake is the Engine.IO open packet body.
type Handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// Liveness is how long the server may stay silent before the transport is
// considered dead.
func (h Handshake) Liveness() time.Duration {
	return time.Duration(h.PingInterval+h.PingTimeout) * time.Millisecond
}

// Decode parses an Engine.IO v4 text packet and, for messages, the Socket.IO
// v5 packet inside it.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrMalformedPacket
	}
	rest := b[1:]
	switch b[0] {
	case '0':
		return Frame{Kind: FrameOpen, Payload: rest}, nil
	case '1':
		return Frame{Kind: FrameClose}, nil
	case '2':
		return Frame{Kind: FramePing, Payload: rest}, nil
	case '3':
		return Frame{Kind: FramePong, Payload: rest}, nil
	case '5', '6':
		return Frame{Kind: FrameNoop}, nil
	case '4':
		return decodeMessage(rest)
	}
	return Frame{}, fmt.Errorf("%w: engine type %q", ErrMalformedPacket, b[0])
}

func decodeMessage(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformedPacket)
	}
	body := skipNamespace(b[1:])
	switch b[0] {
	case '0':
		return Frame{Kind: FrameConnect, Payload: body}, nil
	case '1':
		return Frame{Kind: FrameDisconnect}, nil
	case '4':
		return Frame{Kind: FrameConnectError, Payload: body}, nil
	case '2':
		return decodeEvent(skipAckID(body))
	case '3', '5', '6':
		// acks and binary attachments are never sent by the perception server
		return Frame{Kind: FrameNoop}, nil
	}
	return Frame{}, fmt.Errorf("%w: socket type %q", ErrMalformedPacket, b[0])
}

func decodeEvent(b []byte) (Frame, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(b, &args); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(args) == 0 {
		return Frame{}, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return Frame{}, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	f := Frame{Kind: FrameEvent, Event: name}
	if len(args) > 1 {
		f.Payload = args[1]
	}
	return f, nil
}

func skipNamespace(b []byte) []byte {
	if len(b) == 0 || b[0] != '/' {
		return b
	}
	for i, c := range b {
		if c == ',' {
			return b[i+1:]
		}
	}
	return nil
}

func skipAckID(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[i:]
}

// EncodeConnect is the namespace connect request for "/".
func EncodeConnect() []byte { return []byte("40") }

// EncodePong answers a server ping, echoing its payload.
func EncodePong(payload []byte) []byte {
	return append([]byte("3"), payload...)
}

// EncodeEvent frames an outbound event. A nil payload sends the name alone.
func EncodeEvent(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return append([]byte("42"), data...), nil
}

// SocketURL maps a server endpoint such as http://host:5000 to the websocket
// URL of its Socket.IO transport.
func SocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
