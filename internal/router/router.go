// ABOUTME: Message router resolving recipient sets per strategy and fanning out delivery
// ABOUTME: Holds only transient in-flight counters; persistence goes through a Recorder

package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/message"
)

// Deliverer is the transport seam: one call per delivery attempt.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, msg *message.Message) error
}

// Transformer adapts a message to a recipient's preferred format.
type Transformer interface {
	Transform(msg *message.Message, target message.Format) (*message.Message, error)
}

// CapabilityIndex is the part of the capability registry the router reads.
type CapabilityIndex interface {
	FindProvidersAll(capabilityIDs []string, minLevel capability.Level) []string
	RecordUse(agentID, capabilityID string, at time.Time)
}

// Recorder receives delivery outcomes for persistence. RecordDelivered is
// called once per message, when its first recipient reaches DELIVERED.
type Recorder interface {
	RecordDelivered(ctx context.Context, msg *message.Message) error
	RecordStatus(ctx context.Context, msg *message.Message, recipientID string, status message.DeliveryStatus, cause error)
}

// Participant is a routable conversation member.
type Participant struct {
	ID              string
	PreferredFormat message.Format
}

// RouteContext carries the conversation state a strategy may consult.
// Participants are already filtered for visibility by the caller.
type RouteContext struct {
	ConversationID string
	Participants   []Participant
	// ThreadMembers are senders and recipients of the ParentMessageID thread.
	ThreadMembers []string
}

// Config holds retry and load-balancing limits.
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	MaxInFlight    int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		AttemptTimeout: 10 * time.Second,
		MaxInFlight:    8,
	}
}

type loadState struct {
	inFlight     int
	lastAssigned uint64
}

// Router resolves recipients and drives delivery.
type Router struct {
	index       CapabilityIndex
	transformer Transformer
	deliverer   Deliverer
	recorder    Recorder
	cfg         Config
	logger      *slog.Logger

	loadMu sync.Mutex
	load   map[string]*loadState
	tick   uint64
}

// Option configures a Router.
type Option func(*Router)

// WithRecorder sets the persistence hook.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.With("component", "router")
		}
	}
}

// New creates a Router. Zero config values fall back to DefaultConfig.
func New(index CapabilityIndex, tr Transformer, d Deliverer, cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.BaseBackoff)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}

	r := &Router{
		index:       index,
		transformer: tr,
		deliverer:   d,
		cfg:         cfg,
		logger:      slog.Default().With("component", "router"),
		load:        make(map[string]*loadState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route resolves msg's recipients under strategy and starts delivery to each
// of them concurrently. It returns once resolution is done; delivery outcomes
// arrive through the Result. ctx bounds the deliveries, so cancelling it
// stops pending retries.
func (r *Router) Route(ctx context.Context, msg *message.Message, strategy message.Strategy, rctx RouteContext) (*Result, error) {
	recipients, err := r.resolve(msg, strategy, rctx)
	if err != nil {
		return nil, err
	}
	if msg.Delivery == nil {
		msg.Delivery = message.NewTracker()
	}

	ids := make([]string, len(recipients))
	for i, p := range recipients {
		ids[i] = p.ID
		msg.Delivery.Track(p.ID)
		r.acquire(p.ID)
	}
	res := newResult(msg, strategy, ids)

	r.logger.Debug("message routed",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"strategy", strategy.String(),
		"recipients", ids)

	var wg sync.WaitGroup
	for _, p := range recipients {
		wg.Add(1)
		go func(p Participant) {
			defer wg.Done()
			defer r.release(p.ID)
			r.deliver(ctx, msg, strategy, p, res)
		}(p)
	}
	go func() {
		wg.Wait()
		res.finish()
	}()

	return res, nil
}

// Resolve returns the recipients strategy would select without delivering.
func (r *Router) Resolve(msg *message.Message, strategy message.Strategy, rctx RouteContext) ([]string, error) {
	recipients, err := r.resolve(msg, strategy, rctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recipients))
	for i, p := range recipients {
		ids[i] = p.ID
	}
	return ids, nil
}

func (r *Router) resolve(msg *message.Message, strategy message.Strategy, rctx RouteContext) ([]Participant, error) {
	switch strategy {
	case message.StrategyDirect:
		return r.resolveDirect(msg, rctx)
	case message.StrategyCapability:
		return r.resolveCapability(msg, rctx)
	case message.StrategyBroadcast:
		return r.resolveBroadcast(msg, rctx)
	case message.StrategyLoadBalanced:
		return r.resolveLoadBalanced(msg, rctx)
	case message.StrategyContextual:
		return r.resolveContextual(msg, rctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

func (r *Router) resolveDirect(msg *message.Message, rctx RouteContext) ([]Participant, error) {
	ids := msg.ExplicitRecipients()
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: message %s has no explicit recipient", ErrNoRecipients, msg.ID)
	}
	out := make([]Participant, 0, len(ids))
	for _, id := range ids {
		p, ok := findParticipant(rctx.Participants, id)
		if !ok {
			return nil, fmt.Errorf("%w: %s in conversation %s", ErrNotParticipant, id, rctx.ConversationID)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Router) resolveCapability(msg *message.Message, rctx RouteContext) ([]Participant, error) {
	noneQualified := &NoQualifiedRecipientError{
		ConversationID: rctx.ConversationID,
		MessageID:      msg.ID,
		Capabilities:   msg.RequiredCapabilities,
		MinLevel:       msg.MinLevel,
	}
	if len(msg.RequiredCapabilities) == 0 || r.index == nil {
		return nil, noneQualified
	}

	var out []Participant
	for _, id := range r.index.FindProvidersAll(msg.RequiredCapabilities, msg.MinLevel) {
		if id == msg.SenderID {
			continue
		}
		if p, ok := findParticipant(rctx.Participants, id); ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, noneQualified
	}
	return out, nil
}

func (r *Router) resolveBroadcast(msg *message.Message, rctx RouteContext) ([]Participant, error) {
	var out []Participant
	for _, p := range rctx.Participants {
		if p.ID != msg.SenderID {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: conversation %s has no other participants", ErrNoRecipients, rctx.ConversationID)
	}
	return out, nil
}

func (r *Router) resolveLoadBalanced(msg *message.Message, rctx RouteContext) ([]Participant, error) {
	var candidates []Participant
	var err error
	if len(msg.RequiredCapabilities) > 0 {
		candidates, err = r.resolveCapability(msg, rctx)
	} else {
		candidates, err = r.resolveBroadcast(msg, rctx)
	}
	if err != nil {
		return nil, err
	}

	picked, ok := r.pickLeastLoaded(candidates)
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrRecipientsSaturated, msg.ID)
	}
	return []Participant{picked}, nil
}

// resolveContextual prefers participants of the parent message's thread and
// falls back to broadcast when there is no such signal.
func (r *Router) resolveContextual(msg *message.Message, rctx RouteContext) ([]Participant, error) {
	if msg.ParentMessageID != "" && len(rctx.ThreadMembers) > 0 {
		var out []Participant
		for _, p := range rctx.Participants {
			if p.ID != msg.SenderID && slices.Contains(rctx.ThreadMembers, p.ID) {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return r.resolveBroadcast(msg, rctx)
}

// pickLeastLoaded skips candidates at the in-flight ceiling and returns the
// least recently assigned of the rest, preferring the less busy on ties.
func (r *Router) pickLeastLoaded(candidates []Participant) (Participant, bool) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	best := -1
	var bestState loadState
	for i, c := range candidates {
		var st loadState
		if s, ok := r.load[c.ID]; ok {
			st = *s
		}
		if st.inFlight >= r.cfg.MaxInFlight {
			continue
		}
		if best < 0 ||
			st.lastAssigned < bestState.lastAssigned ||
			(st.lastAssigned == bestState.lastAssigned && st.inFlight < bestState.inFlight) {
			best, bestState = i, st
		}
	}
	if best < 0 {
		return Participant{}, false
	}

	r.tick++
	r.stateLocked(candidates[best].ID).lastAssigned = r.tick
	return candidates[best], true
}

// InFlight returns the approximate number of undelivered messages for agentID.
func (r *Router) InFlight(agentID string) int {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if s, ok := r.load[agentID]; ok {
		return s.inFlight
	}
	return 0
}

func (r *Router) acquire(agentID string) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.stateLocked(agentID).inFlight++
}

func (r *Router) release(agentID string) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if s := r.stateLocked(agentID); s.inFlight > 0 {
		s.inFlight--
	}
}

func (r *Router) stateLocked(agentID string) *loadState {
	s, ok := r.load[agentID]
	if !ok {
		s = &loadState{}
		r.load[agentID] = s
	}
	return s
}

func findParticipant(ps []Participant, id string) (Participant, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}
