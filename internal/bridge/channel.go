package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shinyobjectz/tav/internal/logging"
)

// ErrNotConnected is returned by a Transport with no peer to deliver to.
var ErrNotConnected = stderrors.New("bridge not connected")

// Transport is the raw, unreliable message pipe to the artifact.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	OnMessage(fn func(Message))
}

// Outcome is how a call was resolved.
type Outcome int

const (
	// OutcomeResult means the artifact replied with a result.
	OutcomeResult Outcome = iota
	// OutcomeError means the artifact replied with an error.
	OutcomeError
	// OutcomeNoResponse means nothing matched before the deadline. The
	// artifact may still have acted on the request.
	OutcomeNoResponse
	// OutcomeFailed means the request could not be sent at all.
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeResult:
		return "result"
	case OutcomeError:
		return "error"
	case OutcomeNoResponse:
		return "no-response"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Response is the single resolution of a call.
type Response struct {
	Outcome       Outcome
	CorrelationID string
	Payload       json.RawMessage
	Error         string
}

// OK reports whether the artifact returned a result.
func (r Response) OK() bool {
	return r.Outcome == OutcomeResult
}

// Stats are cumulative channel counters.
type Stats struct {
	Calls     int64 `json:"calls"`
	Results   int64 `json:"results"`
	Errors    int64 `json:"errors"`
	Timeouts  int64 `json:"timeouts"`
	Failures  int64 `json:"failures"`
	Discarded int64 `json:"discarded"`
	Pending   int   `json:"pending"`
}

type pendingRequest struct {
	requestType string
	issuedAt    time.Time
	result      chan Response
	timer       *time.Timer
}

// Options configures a Channel.
type Options struct {
	// Timeout is the default call deadline.
	Timeout time.Duration
	Logger  logging.Logger
	// NewID overrides correlation id generation.
	NewID func() string
}

// Channel issues correlated requests over a Transport. Every call resolves
// exactly once: by a matching result, a matching error, its deadline, a send
// failure, or Close.
type Channel struct {
	transport Transport
	timeout   time.Duration
	logger    logging.Logger
	newID     func() string

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	eventMu  sync.RWMutex
	handlers []func(Message)

	calls     int64
	results   int64
	errors    int64
	timeouts  int64
	failures  int64
	discarded int64
}

// NewChannel creates a channel and subscribes it to t's incoming messages.
func NewChannel(t Transport, opts Options) *Channel {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	c := &Channel{
		transport: t,
		timeout:   timeout,
		logger:    logger.WithComponent("bridge"),
		newID:     newID,
		pending:   make(map[string]*pendingRequest),
	}
	t.OnMessage(c.Deliver)
	return c
}

// DefaultTimeout returns the channel's default call deadline.
func (c *Channel) DefaultTimeout() time.Duration {
	return c.timeout
}

// Call sends a request of reqType and waits for its resolution. timeout <= 0
// uses the channel default. Cancelling ctx resolves the call as
// OutcomeNoResponse. The returned error is only for payloads that cannot be
// encoded.
func (c *Channel) Call(ctx context.Context, reqType string, payload interface{}, timeout time.Duration) (Response, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s payload: %w", reqType, err)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	id := c.newID()
	p := &pendingRequest{
		requestType: reqType,
		issuedAt:    time.Now(),
		result:      make(chan Response, 1),
	}

	atomic.AddInt64(&c.calls, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		atomic.AddInt64(&c.failures, 1)
		return Response{Outcome: OutcomeFailed, CorrelationID: id, Error: "bridge closed"}, nil
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		atomic.AddInt64(&c.failures, 1)
		return Response{Outcome: OutcomeFailed, CorrelationID: id, Error: "duplicate correlation id"}, nil
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if c.resolve(id, Response{Outcome: OutcomeNoResponse, CorrelationID: id}) {
			atomic.AddInt64(&c.timeouts, 1)
			c.logger.Debug(context.Background(), "Bridge call timed out",
				"type", reqType, "correlation_id", id, "timeout_ms", timeout.Milliseconds())
		}
	})
	c.mu.Unlock()

	msg := Message{Type: reqType, CorrelationID: id, Payload: raw}
	if err := c.transport.Send(ctx, msg); err != nil {
		reason := err.Error()
		if stderrors.Is(err, ErrNotConnected) {
			reason = ErrNotConnected.Error()
		}
		if c.resolve(id, Response{Outcome: OutcomeFailed, CorrelationID: id, Error: reason}) {
			atomic.AddInt64(&c.failures, 1)
		}
	}

	select {
	case r := <-p.result:
		return r, nil
	case <-ctx.Done():
		if c.resolve(id, Response{Outcome: OutcomeNoResponse, CorrelationID: id}) {
			atomic.AddInt64(&c.timeouts, 1)
		}
		return <-p.result, nil
	}
}

// Notify sends a request that expects no reply.
func (c *Channel) Notify(ctx context.Context, reqType string, payload interface{}) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", reqType, err)
	}
	return c.transport.Send(ctx, Message{Type: reqType, Payload: raw})
}

// Deliver routes an incoming message. Replies resolve their pending call;
// replies whose id is unknown (late, duplicate or foreign) are discarded.
// Anything else is passed to event handlers.
func (c *Channel) Deliver(msg Message) {
	reqType, isError, isReply := replyKind(msg.Type)
	if !isReply {
		c.emit(msg)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[msg.CorrelationID]
	matches := ok && p.requestType == reqType
	c.mu.Unlock()

	if !matches {
		atomic.AddInt64(&c.discarded, 1)
		c.logger.Debug(context.Background(), "Discarded unmatched bridge reply",
			"type", msg.Type, "correlation_id", msg.CorrelationID)
		return
	}

	r := Response{CorrelationID: msg.CorrelationID, Payload: msg.Payload}
	if isError {
		r.Outcome = OutcomeError
		r.Error = msg.Error
		if r.Error == "" {
			r.Error = "unknown error"
		}
	} else {
		r.Outcome = OutcomeResult
	}

	if !c.resolve(msg.CorrelationID, r) {
		// Lost a race with the deadline.
		atomic.AddInt64(&c.discarded, 1)
		return
	}
	if isError {
		atomic.AddInt64(&c.errors, 1)
	} else {
		atomic.AddInt64(&c.results, 1)
	}
}

// OnEvent registers fn for unsolicited messages from the artifact.
func (c *Channel) OnEvent(fn func(Message)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Close resolves every outstanding call as OutcomeNoResponse and fails any
// later call.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if c.resolve(id, Response{Outcome: OutcomeNoResponse, CorrelationID: id}) {
			atomic.AddInt64(&c.timeouts, 1)
		}
	}
}

// Stats returns channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Calls:     atomic.LoadInt64(&c.calls),
		Results:   atomic.LoadInt64(&c.results),
		Errors:    atomic.LoadInt64(&c.errors),
		Timeouts:  atomic.LoadInt64(&c.timeouts),
		Failures:  atomic.LoadInt64(&c.failures),
		Discarded: atomic.LoadInt64(&c.discarded),
		Pending:   pending,
	}
}

// resolve removes id and delivers r to its caller. Only the first resolver
// for an id wins; it reports whether this call was that resolver.
func (c *Channel) resolve(id string, r Response) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result <- r
	return true
}

func (c *Channel) emit(msg Message) {
	c.eventMu.RLock()
	handlers := c.handlers
	c.eventMu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
