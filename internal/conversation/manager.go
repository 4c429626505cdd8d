// ABOUTME: Conversation manager owning lifecycle, membership and flow control
// ABOUTME: Each conversation is guarded by its own mutex so conversations never block each other

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transform"
)

// Router is what the manager needs from the message router.
type Router interface {
	Route(ctx context.Context, msg *message.Message, strategy message.Strategy, rctx router.RouteContext) (*router.Result, error)
}

// Enricher attaches contextual metadata before routing.
type Enricher interface {
	Enrich(msg *message.Message, spec transform.EnrichmentSpec) (*message.Message, error)
}

// CapabilitySource lists an agent's capability bindings.
type CapabilitySource interface {
	CapabilitiesOf(agentID string) []capability.AgentCapability
}

const defaultHistoryLimit = 256

// Manager is the entry point for conversations: messages are submitted here
// and handed to the router once membership, state, turn and visibility
// checks pass.
type Manager struct {
	router       Router
	auth         Authorizer
	recorder     *Recorder
	broadcaster  *Broadcaster
	dedupe       *dedupe.Window
	enricher     Enricher
	capabilities CapabilitySource
	enrichKinds  []transform.Kind
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger

	mu            sync.RWMutex
	conversations map[string]*conversation
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "conversation")
		}
	}
}

// WithAuthorizer installs the security hook. The default allows everything.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) {
		if a != nil {
			m.auth = a
		}
	}
}

// WithStore persists snapshots and events to s. Pass the same Recorder to
// the router so delivered messages are persisted too.
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.recorder = NewRecorder(s, m.logger) }
}

// WithRecorder shares an existing Recorder.
func WithRecorder(r *Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithBroadcaster shares a notification broadcaster.
func WithBroadcaster(b *Broadcaster) Option {
	return func(m *Manager) {
		if b != nil {
			m.broadcaster = b
		}
	}
}

// WithDedupe rejects message IDs already submitted within the window.
func WithDedupe(w *dedupe.Window) Option {
	return func(m *Manager) { m.dedupe = w }
}

// WithCapabilities lets the manager fill participants' cached capability
// IDs and the capabilities enrichment.
func WithCapabilities(src CapabilitySource) Option {
	return func(m *Manager) { m.capabilities = src }
}

// WithEnrichment enriches every submitted message with the given kinds.
func WithEnrichment(e Enricher, kinds ...transform.Kind) Option {
	return func(m *Manager) {
		m.enricher = e
		m.enrichKinds = kinds
	}
}

// WithHistoryLimit bounds the per-conversation in-memory history.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// NewManager creates a Manager that routes through r.
func NewManager(r Router, opts ...Option) *Manager {
	m := &Manager{
		router:        r,
		auth:          AllowAll{},
		historyLimit:  defaultHistoryLimit,
		now:           time.Now,
		logger:        slog.Default().With("component", "conversation"),
		conversations: make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broadcaster == nil {
		m.broadcaster = NewBroadcaster(m.logger)
	}
	return m
}

type conversation struct {
	mu sync.Mutex

	id           string
	name         string
	state        State
	flow         FlowControl
	participants []Participant
	turn         string
	seq          uint64
	metadata     map[string]string
	createdAt    time.Time
	updatedAt    time.Time

	history []*message.Message

	// deliverCtx bounds in-flight deliveries; pausing or closing cancels it.
	deliverCtx context.Context
	cancel     context.CancelFunc
}

// Create validates spec and starts a conversation in INITIALIZING. It moves
// to ACTIVE straight away when anyone besides the creator is present.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Conversation, error) {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if !m.auth.Authorize(ctx, spec.CreatorID, OpCreate, spec.ID) {
		return nil, fmt.Errorf("%w: %s may not create conversations", ErrUnauthorized, spec.CreatorID)
	}
	participants, err := m.validateSpec(spec)
	if err != nil {
		return nil, err
	}

	now := m.now()
	c := &conversation{
		id:           spec.ID,
		name:         spec.Name,
		state:        StateInitializing,
		flow:         spec.FlowControl,
		participants: participants,
		metadata:     cloneMap(spec.Metadata),
		createdAt:    now,
		updatedAt:    now,
	}
	c.deliverCtx, c.cancel = context.WithCancel(context.Background())

	m.mu.Lock()
	if _, exists := m.conversations[c.id]; exists {
		m.mu.Unlock()
		c.cancel()
		return nil, fmt.Errorf("%w: conversation %s already exists", ErrInvalidSpec, c.id)
	}
	m.conversations[c.id] = c
	m.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	m.recorder.event(ctx, &store.Event{
		ConversationID: c.id,
		Type:           store.EventStateChanged,
		ActorID:        spec.CreatorID,
		To:             StateInitializing.String(),
		Timestamp:      now,
	})
	if len(c.participants) > 1 {
		if err := m.transitionLocked(ctx, c, StateActive, spec.CreatorID, "activate", ""); err != nil {
			return nil, err
		}
	} else {
		m.recorder.snapshot(ctx, c.snapshotLocked())
	}

	m.logger.Info("conversation created",
		"conversation_id", c.id,
		"participants", len(c.participants),
		"flow_control", c.flow.String(),
		"state", c.state.String())
	return c.snapshotLocked(), nil
}

func (m *Manager) validateSpec(spec Spec) ([]Participant, error) {
	if spec.CreatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrInvalidSpec)
	}
	if !spec.FlowControl.Valid() {
		return nil, fmt.Errorf("%w: unknown flow control %s", ErrInvalidSpec, spec.FlowControl)
	}

	now := m.now()
	seen := make(map[string]bool, len(spec.Participants))
	var out []Participant
	for _, p := range spec.Participants {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: participant without id", ErrInvalidSpec)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate participant %s", ErrInvalidSpec, p.ID)
		}
		if p.PreferredFormat != "" && !p.PreferredFormat.Valid() {
			return nil, fmt.Errorf("%w: participant %s prefers unknown format %q", ErrInvalidSpec, p.ID, p.PreferredFormat)
		}
		seen[p.ID] = true

		p = p.clone()
		if p.ID == spec.CreatorID {
			p.Role = RoleOwner
		}
		if p.Type == "" {
			p.Type = ParticipantAgent
		}
		p.JoinedAt = now
		m.fillCapabilities(&p)
		out = append(out, p)
	}
	if !seen[spec.CreatorID] {
		return nil, fmt.Errorf("%w: participants must include creator %s", ErrInvalidSpec, spec.CreatorID)
	}
	return out, nil
}

func (m *Manager) fillCapabilities(p *Participant) {
	if m.capabilities == nil || len(p.Capabilities) > 0 {
		return
	}
	for _, b := range m.capabilities.CapabilitiesOf(p.ID) {
		if b.Enabled {
			p.Capabilities = append(p.Capabilities, b.CapabilityID)
		}
	}
}

// Get returns a snapshot of the conversation.
func (m *Manager) Get(conversationID string) (*Conversation, error) {
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), nil
}

// Activate moves an INITIALIZING conversation to ACTIVE.
func (m *Manager) Activate(ctx context.Context, conversationID, actorID string) (*Conversation, error) {
	return m.lifecycle(ctx, conversationID, actorID, StateActive, "activate", "")
}

// Pause stops accepting submissions and cancels pending delivery retries.
// Deliveries already DELIVERED are kept.
func (m *Manager) Pause(ctx context.Context, conversationID, actorID string) (*Conversation, error) {
	return m.lifecycle(ctx, conversationID, actorID, StatePaused, "pause", "")
}

// Resume returns a PAUSED conversation to ACTIVE.
func (m *Manager) Resume(ctx context.Context, conversationID, actorID string) (*Conversation, error) {
	return m.lifecycle(ctx, conversationID, actorID, StateActive, "resume", "")
}

// Complete archives the conversation and cancels all pending retries.
func (m *Manager) Complete(ctx context.Context, conversationID, actorID string) (*Conversation, error) {
	return m.lifecycle(ctx, conversationID, actorID, StateCompleted, "complete", "")
}

// Fail marks the conversation as failed for reason and cancels all pending
// retries.
func (m *Manager) Fail(ctx context.Context, conversationID, actorID, reason string) (*Conversation, error) {
	return m.lifecycle(ctx, conversationID, actorID, StateFailed, "fail", reason)
}

func (m *Manager) lifecycle(ctx context.Context, conversationID, actorID string, next State, op, detail string) (*Conversation, error) {
	if !m.auth.Authorize(ctx, actorID, OpLifecycle, conversationID) {
		return nil, fmt.Errorf("%w: %s may not %s %s", ErrUnauthorized, actorID, op, conversationID)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireManager(actorID, op); err != nil {
		return nil, err
	}
	if err := m.transitionLocked(ctx, c, next, actorID, op, detail); err != nil {
		return nil, err
	}
	return c.snapshotLocked(), nil
}

// transitionLocked applies a lifecycle transition. c.mu must be held.
func (m *Manager) transitionLocked(ctx context.Context, c *conversation, next State, actorID, op, detail string) error {
	if !c.state.CanTransition(next) {
		return &StateError{ConversationID: c.id, Op: op, State: c.state}
	}

	prev := c.state
	c.state = next
	c.updatedAt = m.now()

	switch next {
	case StatePaused:
		c.cancel()
		c.deliverCtx, c.cancel = context.WithCancel(context.Background())
	case StateCompleted, StateFailed:
		c.cancel()
	}

	m.recorder.event(ctx, &store.Event{
		ConversationID: c.id,
		Type:           store.EventStateChanged,
		ActorID:        actorID,
		From:           prev.String(),
		To:             next.String(),
		Detail:         detail,
		Timestamp:      c.updatedAt,
	})
	m.recorder.snapshot(ctx, c.snapshotLocked())

	m.broadcaster.Publish(Notification{
		Kind:           NotifyState,
		ConversationID: c.id,
		State:          next,
		At:             c.updatedAt,
	}, nil)
	if next.Terminal() {
		m.broadcaster.CloseConversation(c.id)
	}

	m.logger.Info("conversation state changed",
		"conversation_id", c.id,
		"from", prev.String(),
		"to", next.String(),
		"actor_id", actorID)
	return nil
}

// AddParticipant adds p while the conversation is ACTIVE or PAUSED. Only
// owners may add another owner.
func (m *Manager) AddParticipant(ctx context.Context, conversationID, actorID string, p Participant) (*Conversation, error) {
	if !m.auth.Authorize(ctx, actorID, OpManageParticipants, conversationID) {
		return nil, fmt.Errorf("%w: %s may not manage participants of %s", ErrUnauthorized, actorID, conversationID)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: participant without id", ErrInvalidSpec)
	}
	if p.PreferredFormat != "" && !p.PreferredFormat.Valid() {
		return nil, fmt.Errorf("%w: participant %s prefers unknown format %q", ErrInvalidSpec, p.ID, p.PreferredFormat)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive && c.state != StatePaused {
		return nil, &StateError{ConversationID: c.id, Op: "add participant", State: c.state}
	}
	if err := c.requireManager(actorID, "add participant"); err != nil {
		return nil, err
	}
	if actor, _ := c.participant(actorID); p.Role == RoleOwner && actor.Role != RoleOwner {
		return nil, fmt.Errorf("%w: only owners may add owners", ErrPermissionDenied)
	}
	if c.index(p.ID) >= 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyParticipant, p.ID)
	}

	p = p.clone()
	if p.Type == "" {
		p.Type = ParticipantAgent
	}
	p.JoinedAt = m.now()
	m.fillCapabilities(&p)
	c.participants = append(c.participants, p)
	c.updatedAt = p.JoinedAt

	m.membershipChangedLocked(ctx, c, store.EventParticipantAdded, actorID, p.ID, true)
	return c.snapshotLocked(), nil
}

// RemoveParticipant removes participantID while the conversation is ACTIVE
// or PAUSED. Messages already routed to them are not retracted.
func (m *Manager) RemoveParticipant(ctx context.Context, conversationID, actorID, participantID string) (*Conversation, error) {
	if !m.auth.Authorize(ctx, actorID, OpManageParticipants, conversationID) {
		return nil, fmt.Errorf("%w: %s may not manage participants of %s", ErrUnauthorized, actorID, conversationID)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive && c.state != StatePaused {
		return nil, &StateError{ConversationID: c.id, Op: "remove participant", State: c.state}
	}
	if err := c.requireManager(actorID, "remove participant"); err != nil {
		return nil, err
	}
	idx := c.index(participantID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, participantID)
	}
	if c.participants[idx].Role == RoleOwner && c.ownerCount() == 1 {
		return nil, ErrLastOwner
	}

	if c.flow == FlowRoundRobin && c.currentTurn() == participantID {
		c.advanceTurn()
	}
	c.participants = slices.Delete(c.participants, idx, idx+1)
	if c.turn == participantID {
		c.turn = ""
	}
	c.updatedAt = m.now()

	m.broadcaster.DropParticipant(c.id, participantID)
	m.membershipChangedLocked(ctx, c, store.EventParticipantRemoved, actorID, participantID, false)
	return c.snapshotLocked(), nil
}

func (m *Manager) membershipChangedLocked(ctx context.Context, c *conversation, typ store.EventType, actorID, participantID string, joined bool) {
	m.recorder.event(ctx, &store.Event{
		ConversationID: c.id,
		Type:           typ,
		ActorID:        actorID,
		Detail:         participantID,
		Timestamp:      c.updatedAt,
	})
	m.recorder.snapshot(ctx, c.snapshotLocked())
	m.broadcaster.Publish(Notification{
		Kind:           NotifyParticipants,
		ConversationID: c.id,
		ParticipantID:  participantID,
		Joined:         joined,
		At:             c.updatedAt,
	}, nil)

	m.logger.Info("conversation membership changed",
		"conversation_id", c.id,
		"participant_id", participantID,
		"joined", joined,
		"actor_id", actorID)
}

// SetFlowControl switches the submission policy. Switching to round-robin
// gives the turn to the first participant allowed to write.
func (m *Manager) SetFlowControl(ctx context.Context, conversationID, actorID string, fc FlowControl) (*Conversation, error) {
	if !m.auth.Authorize(ctx, actorID, OpSetFlowControl, conversationID) {
		return nil, fmt.Errorf("%w: %s may not change flow control of %s", ErrUnauthorized, actorID, conversationID)
	}
	if !fc.Valid() {
		return nil, fmt.Errorf("%w: unknown flow control %s", ErrInvalidSpec, fc)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return nil, &StateError{ConversationID: c.id, Op: "set flow control", State: c.state}
	}
	if err := c.requireManager(actorID, "set flow control"); err != nil {
		return nil, err
	}

	prev := c.flow
	c.flow = fc
	c.turn = ""
	c.updatedAt = m.now()

	m.recorder.event(ctx, &store.Event{
		ConversationID: c.id,
		Type:           store.EventFlowControlChanged,
		ActorID:        actorID,
		From:           prev.String(),
		To:             fc.String(),
		Timestamp:      c.updatedAt,
	})
	m.recorder.snapshot(ctx, c.snapshotLocked())
	return c.snapshotLocked(), nil
}

// Subscribe returns a channel of notifications for participantID. Message
// notifications only carry messages the participant may see. The channel is
// closed when ctx ends, the participant is removed or the conversation
// closes.
func (m *Manager) Subscribe(ctx context.Context, conversationID, participantID string) (<-chan Notification, error) {
	if !m.auth.Authorize(ctx, participantID, OpRead, conversationID) {
		return nil, fmt.Errorf("%w: %s may not read %s", ErrUnauthorized, participantID, conversationID)
	}
	c, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Terminal() {
		return nil, &StateError{ConversationID: c.id, Op: "subscribe", State: c.state}
	}
	if c.index(participantID) < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, participantID)
	}
	ch, _ := m.broadcaster.Subscribe(ctx, c.id, participantID)
	return ch, nil
}

// Close cancels every conversation's pending deliveries and closes all
// subscriptions.
func (m *Manager) Close() {
	m.mu.RLock()
	for _, c := range m.conversations {
		c.cancel()
	}
	m.mu.RUnlock()
	m.broadcaster.Close()
}

func (m *Manager) lookup(id string) (*conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

func (c *conversation) index(id string) int {
	return slices.IndexFunc(c.participants, func(p Participant) bool { return p.ID == id })
}

func (c *conversation) participant(id string) (*Participant, bool) {
	if i := c.index(id); i >= 0 {
		return &c.participants[i], true
	}
	return nil, false
}

func (c *conversation) requireManager(actorID, op string) error {
	actor, ok := c.participant(actorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotParticipant, actorID)
	}
	if !actor.Role.CanManage() {
		return fmt.Errorf("%w: %s (%s) may not %s", ErrPermissionDenied, actorID, actor.Role, op)
	}
	return nil
}

func (c *conversation) ownerCount() int {
	n := 0
	for _, p := range c.participants {
		if p.Role == RoleOwner {
			n++
		}
	}
	return n
}

// writers returns participants allowed to submit, in join order.
func (c *conversation) writers() []string {
	var out []string
	for _, p := range c.participants {
		if p.Role.CanWrite() {
			out = append(out, p.ID)
		}
	}
	return out
}

func (c *conversation) currentTurn() string {
	ws := c.writers()
	if len(ws) == 0 {
		return ""
	}
	if slices.Contains(ws, c.turn) {
		return c.turn
	}
	return ws[0]
}

func (c *conversation) advanceTurn() {
	ws := c.writers()
	if len(ws) == 0 {
		c.turn = ""
		return
	}
	i := slices.Index(ws, c.currentTurn())
	c.turn = ws[(i+1)%len(ws)]
}

func (c *conversation) snapshotLocked() *Conversation {
	out := &Conversation{
		ID:           c.id,
		Name:         c.name,
		State:        c.state,
		FlowControl:  c.flow,
		Participants: make([]Participant, len(c.participants)),
		Sequence:     c.seq,
		Metadata:     cloneMap(c.metadata),
		CreatedAt:    c.createdAt,
		UpdatedAt:    c.updatedAt,
	}
	for i, p := range c.participants {
		out.Participants[i] = p.clone()
	}
	if c.flow == FlowRoundRobin {
		out.CurrentTurn = c.currentTurn()
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
