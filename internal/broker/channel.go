// Package broker deduplicates identical in-flight remote fetches across
// execution contexts sharing one local store. A requester posts a fetch
// request on a shared broadcast channel; the context owning network
// responsibility performs the call and posts the result back, keyed by
// message id.
package broker

import (
	"encoding/json"
	"sync"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
)

// Message types and response statuses of the cross-context protocol.
const (
	MsgFetchModel      = "FETCH_MODEL"
	MsgFetchCollection = "FETCH_COLLECTION"
	MsgRequestResponse = "REQUEST_RESPONSE"

	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// Message is the wire shape shared by requests and responses.
type Message struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	URLName   string                 `json:"urlName,omitempty"`
	MessageID string                 `json:"messageId"`
	Status    string                 `json:"status,omitempty"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Err       string                 `json:"err,omitempty"`
}

// Channel is the broadcast medium between execution contexts. A posted
// message is delivered to every other endpoint but not echoed to the
// sender.
type Channel interface {
	Post(msg Message) error
	Receive() <-chan Message
	Close() error
}

// endpointBuffer bounds each endpoint's inbox.
const endpointBuffer = 64

// LocalBus is an in-process Channel fabric: every endpoint sees messages
// posted by every other endpoint. Used by tests and by single-context runs
// that colocate requester and responder.
type LocalBus struct {
	mu        sync.Mutex
	endpoints map[*localEndpoint]bool
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{endpoints: make(map[*localEndpoint]bool)}
}

// Endpoint attaches a new endpoint to the bus.
func (b *LocalBus) Endpoint() Channel {
	ep := &localEndpoint{bus: b, in: make(chan Message, endpointBuffer)}
	b.mu.Lock()
	b.endpoints[ep] = true
	b.mu.Unlock()
	return ep
}

type localEndpoint struct {
	bus    *LocalBus
	in     chan Message
	closed bool
}

func (e *localEndpoint) Post(msg Message) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.closed {
		return apperrors.New(apperrors.ErrChannelClosed, "endpoint is closed")
	}
	for other := range e.bus.endpoints {
		if other == e {
			continue
		}
		select {
		case other.in <- msg:
		default:
			logging.Warn("dropping broadcast message, endpoint inbox full", map[string]interface{}{
				"type":      msg.Type,
				"messageId": msg.MessageID,
			})
		}
	}
	return nil
}

func (e *localEndpoint) Receive() <-chan Message {
	return e.in
}

func (e *localEndpoint) Close() error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	delete(e.bus.endpoints, e)
	close(e.in)
	return nil
}
