package broker

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/models"
	"github.com/lcwei/shelfsync/internal/resource"
	"github.com/lcwei/shelfsync/internal/uuid"
)

// pendingWait is one settled-or-waiting request. Concurrent identical
// requests share a wait, so only one message crosses the channel.
type pendingWait struct {
	done chan struct{}
	msg  Message
}

// Requester satisfies resource.RemoteFetcher by delegating fetches to
// whichever context owns network responsibility. Responses are matched on
// message id; the pending entry is deregistered as soon as it settles.
//
// No request times out internally; callers bound the wait with their
// context.
type Requester struct {
	ch Channel

	mu       sync.Mutex
	pending  map[string]*pendingWait // by message id
	inflight map[string]string       // dedupe key -> message id
}

// NewRequester creates a Requester and starts dispatching responses from
// the channel.
func NewRequester(ch Channel) *Requester {
	r := &Requester{
		ch:       ch,
		pending:  make(map[string]*pendingWait),
		inflight: make(map[string]string),
	}
	go r.dispatch()
	return r
}

// dispatch settles pending requests as responses arrive. It exits when the
// channel closes.
func (r *Requester) dispatch() {
	for msg := range r.ch.Receive() {
		if msg.Type != MsgRequestResponse {
			continue
		}
		r.mu.Lock()
		wait, ok := r.pending[msg.MessageID]
		if ok {
			delete(r.pending, msg.MessageID)
			for key, mid := range r.inflight {
				if mid == msg.MessageID {
					delete(r.inflight, key)
					break
				}
			}
		}
		r.mu.Unlock()
		if !ok {
			continue
		}
		wait.msg = msg
		close(wait.done)
	}
}

// FetchModel implements resource.RemoteFetcher.
func (r *Requester) FetchModel(ctx context.Context, urlName, id string) (models.Attrs, error) {
	data, err := r.request(ctx, Message{Type: MsgFetchModel, URLName: urlName, ID: id})
	if err != nil {
		return nil, err
	}
	var obj models.Attrs
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRequestFailed, "decode model response", err)
	}
	return obj, nil
}

// FetchCollection implements resource.RemoteFetcher.
func (r *Requester) FetchCollection(ctx context.Context, urlName string, params map[string]interface{}) ([]models.Attrs, error) {
	data, err := r.request(ctx, Message{Type: MsgFetchCollection, URLName: urlName, Params: params})
	if err != nil {
		return nil, err
	}
	var items []models.Attrs
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRequestFailed, "decode collection response", err)
	}
	return items, nil
}

func (r *Requester) request(ctx context.Context, msg Message) (json.RawMessage, error) {
	key := dedupeKey(msg)

	r.mu.Lock()
	var wait *pendingWait
	if mid, ok := r.inflight[key]; ok {
		wait = r.pending[mid]
	}
	post := wait == nil
	if post {
		msg.MessageID = uuid.New()
		wait = &pendingWait{done: make(chan struct{})}
		r.pending[msg.MessageID] = wait
		r.inflight[key] = msg.MessageID
	}
	r.mu.Unlock()

	if post {
		if err := r.ch.Post(msg); err != nil {
			r.mu.Lock()
			delete(r.pending, msg.MessageID)
			delete(r.inflight, key)
			r.mu.Unlock()
			return nil, err
		}
	}

	select {
	case <-wait.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if wait.msg.Status != StatusSuccess {
		return nil, apperrors.New(apperrors.ErrRequestFailed, wait.msg.Err)
	}
	return wait.msg.Data, nil
}

// dedupeKey canonicalizes a request so identical concurrent fetches
// coalesce.
func dedupeKey(msg Message) string {
	parts := []string{msg.Type, msg.URLName, msg.ID}
	if len(msg.Params) > 0 {
		keys := make([]string, 0, len(msg.Params))
		for k := range msg.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := json.Marshal(msg.Params[k])
			parts = append(parts, k+"="+string(v))
		}
	}
	return strings.Join(parts, "|")
}

// Responder is the network-owning side: it answers fetch requests from
// other contexts with its own fetcher, so only one context performs the
// round trip.
type Responder struct {
	ch      Channel
	fetcher resource.RemoteFetcher
}

// NewResponder creates a Responder over the channel and fetcher.
func NewResponder(ch Channel, fetcher resource.RemoteFetcher) *Responder {
	return &Responder{ch: ch, fetcher: fetcher}
}

// Run serves fetch requests until the context is cancelled or the channel
// closes.
func (r *Responder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.ch.Receive():
			if !ok {
				return nil
			}
			switch msg.Type {
			case MsgFetchModel, MsgFetchCollection:
				go r.answer(ctx, msg)
			}
		}
	}
}

func (r *Responder) answer(ctx context.Context, req Message) {
	var payload interface{}
	var err error
	switch req.Type {
	case MsgFetchModel:
		payload, err = r.fetcher.FetchModel(ctx, req.URLName, req.ID)
	case MsgFetchCollection:
		payload, err = r.fetcher.FetchCollection(ctx, req.URLName, req.Params)
	}

	resp := Message{Type: MsgRequestResponse, MessageID: req.MessageID}
	if err != nil {
		resp.Status = StatusFailure
		resp.Err = err.Error()
	} else {
		data, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			resp.Status = StatusFailure
			resp.Err = marshalErr.Error()
		} else {
			resp.Status = StatusSuccess
			resp.Data = data
		}
	}
	if err := r.ch.Post(resp); err != nil {
		logging.Error("failed to post fetch response", err, map[string]interface{}{
			"messageId": req.MessageID,
		})
	}
}
