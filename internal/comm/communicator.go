package comm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageSink receives a copy of every message, e.g. for durable audit.
type MessageSink interface {
	Publish(ctx context.Context, msg *Message) error
}

// Config bounds the communicator's blocking operations and memory use.
type Config struct {
	RequestTimeout time.Duration
	LockTimeout    time.Duration
	HistoryLimit   int
	AuditLimit     int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		LockTimeout:    5 * time.Second,
		HistoryLimit:   1000,
		AuditLimit:     1000,
	}
}

// Communicator is the message bus between roles plus the owner of every
// workflow's shared context.
type Communicator struct {
	cfg    Config
	sink   MessageSink
	logger *zap.Logger

	mu       sync.RWMutex
	inboxes  map[string]*inbox
	pending  map[string]chan Message // correlation id -> waiting requester
	contexts map[string]*contextSlot

	history *historyLog
}

// New creates a communicator. sink may be nil.
func New(cfg Config, sink MessageSink, logger *zap.Logger) *Communicator {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.AuditLimit <= 0 {
		cfg.AuditLimit = def.AuditLimit
	}
	return &Communicator{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		inboxes:  make(map[string]*inbox),
		pending:  make(map[string]chan Message),
		contexts: make(map[string]*contextSlot),
		history:  newHistoryLog(cfg.HistoryLimit),
	}
}

// RegisterRole creates an inbox for role. Registering twice is harmless.
func (c *Communicator) RegisterRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inboxes[role]; !ok {
		c.inboxes[role] = newInbox()
		c.logger.Debug("role registered", zap.String("role", role))
	}
}

// UnregisterRole drops a role and any undelivered messages.
func (c *Communicator) UnregisterRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inboxes, role)
}

// Roles returns the registered roles, sorted.
func (c *Communicator) Roles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roles := make([]string, 0, len(c.inboxes))
	for r := range c.inboxes {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// SendMessage delivers msg to its recipient. For requests it blocks until a
// response with the same correlation id arrives or the timeout fires.
func (c *Communicator) SendMessage(ctx context.Context, msg Message) (*Message, error) {
	if msg.Type == MessageBroadcast {
		return nil, c.Broadcast(ctx, msg)
	}
	if err := c.stamp(&msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case MessageRequest:
		return c.request(ctx, msg)
	case MessageResponse:
		c.mu.RLock()
		waiter, ok := c.pending[msg.CorrelationID]
		c.mu.RUnlock()
		if ok {
			select {
			case waiter <- msg:
			default:
				// A response was already delivered for this correlation id.
			}
			c.record(ctx, msg)
			return nil, nil
		}
	}

	if err := c.deliver(msg); err != nil {
		return nil, err
	}
	c.record(ctx, msg)
	return nil, nil
}

func (c *Communicator) request(ctx context.Context, msg Message) (*Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	waiter := make(chan Message, 1)
	c.mu.Lock()
	c.pending[msg.CorrelationID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.mu.Unlock()
	}()

	if err := c.deliver(msg); err != nil {
		return nil, err
	}
	c.record(ctx, msg)

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return &reply, nil
	case <-timer.C:
		c.logger.Warn("request timed out",
			zap.String("workflow", msg.WorkflowID),
			zap.String("from", msg.From),
			zap.String("to", msg.To),
			zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w: %s -> %s after %s", ErrMessageTimeout, msg.From, msg.To, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers a request from the role that received it.
func (c *Communicator) Reply(ctx context.Context, req Message, from string, payload map[string]any) error {
	_, err := c.SendMessage(ctx, Message{
		WorkflowID:    req.WorkflowID,
		Type:          MessageResponse,
		From:          from,
		To:            req.From,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	})
	return err
}

// Broadcast delivers msg to every registered role except the sender.
func (c *Communicator) Broadcast(ctx context.Context, msg Message) error {
	msg.Type = MessageBroadcast
	msg.To = ""
	if err := c.stamp(&msg); err != nil {
		return err
	}

	c.mu.RLock()
	targets := make([]*inbox, 0, len(c.inboxes))
	for role, box := range c.inboxes {
		if role != msg.From {
			targets = append(targets, box)
		}
	}
	c.mu.RUnlock()

	for _, box := range targets {
		box.push(msg)
	}
	c.record(ctx, msg)
	c.logger.Debug("broadcast sent",
		zap.String("from", msg.From),
		zap.Int("recipients", len(targets)))
	return nil
}

// Receive pops the oldest message in role's inbox, waiting up to timeout.
func (c *Communicator) Receive(ctx context.Context, role string, timeout time.Duration) (Message, error) {
	c.mu.RLock()
	box, ok := c.inboxes[role]
	c.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, role)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m, ready, signal := box.pop()
		if ready {
			return m, nil
		}
		select {
		case <-signal:
		case <-timer.C:
			return Message{}, fmt.Errorf("%w: %s after %s", ErrReceiveTimeout, role, timeout)
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Drain returns and clears every message waiting for role.
func (c *Communicator) Drain(role string) []Message {
	c.mu.RLock()
	box, ok := c.inboxes[role]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return box.drain()
}

// History returns a workflow's message log, oldest first.
func (c *Communicator) History(workflowID string, q HistoryQuery) []Message {
	return c.history.query(workflowID, q)
}

func (c *Communicator) stamp(msg *Message) error {
	if msg.From == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if !msg.Type.valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.Type != MessageBroadcast && msg.To == "" {
		return fmt.Errorf("%w: recipient is required for %s", ErrInvalidMessage, msg.Type)
	}
	if msg.Type == MessageResponse && msg.CorrelationID == "" {
		return fmt.Errorf("%w: response without correlation id", ErrInvalidMessage)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return nil
}

func (c *Communicator) deliver(msg Message) error {
	c.mu.RLock()
	box, ok := c.inboxes[msg.To]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.To)
	}
	box.push(msg)
	return nil
}

func (c *Communicator) record(ctx context.Context, msg Message) {
	c.history.append(msg)
	if c.sink == nil {
		return
	}
	if err := c.sink.Publish(ctx, &msg); err != nil {
		c.logger.Warn("message mirror failed",
			zap.String("workflow", msg.WorkflowID),
			zap.String("message", msg.ID),
			zap.Error(err))
	}
}

// inbox is an unbounded FIFO with a close-to-signal wakeup channel.
type inbox struct {
	mu     sync.Mutex
	msgs   []Message
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{})}
}

func (b *inbox) push(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *inbox) pop() (Message, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return Message{}, false, b.signal
	}
	m := b.msgs[0]
	b.msgs[0] = Message{}
	b.msgs = b.msgs[1:]
	return m, true, nil
}

func (b *inbox) drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.msgs
	b.msgs = nil
	return out
}
