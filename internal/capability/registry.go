// ABOUTME: Capability registry storing agent bindings and answering ranked discovery queries
// ABOUTME: Writes lock only the owning agent, so registrations for different agents never contend

package capability

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

var errInvalidBinding = errors.New("invalid binding")

// agentEntry holds every binding of one agent behind its own lock.
type agentEntry struct {
	mu       sync.RWMutex
	bindings map[string]*AgentCapability // capabilityID -> binding
}

// Registry records which agents provide which capabilities. It performs no
// learning: proficiency and level changes arrive through the feedback entry
// points (UpdateProficiency, ApplyLevel).
type Registry struct {
	catalogMu sync.RWMutex
	catalog   map[string]*Capability

	agentsMu sync.RWMutex
	agents   map[string]*agentEntry

	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		catalog: make(map[string]*Capability),
		agents:  make(map[string]*agentEntry),
		now:     time.Now,
		logger:  logger.With("component", "capability"),
	}
}

// Define adds a capability to the catalog. Capabilities are immutable, so
// defining an existing ID fails with ErrCapabilityExists.
func (r *Registry) Define(c Capability) error {
	return r.DefineAll([]Capability{c})
}

// DefineAll adds a batch of capabilities. Requirements and incompatibilities
// may reference other members of the batch. Nothing is added on error.
func (r *Registry) DefineAll(caps []Capability) error {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()

	batch := make(map[string]*Capability, len(caps))
	for i := range caps {
		c := &caps[i]
		if c.ID == "" {
			return fmt.Errorf("capability id is required")
		}
		if _, exists := r.catalog[c.ID]; exists {
			return fmt.Errorf("%w: %s", ErrCapabilityExists, c.ID)
		}
		if _, dup := batch[c.ID]; dup {
			return fmt.Errorf("%w: %s", ErrCapabilityExists, c.ID)
		}
		batch[c.ID] = c.clone()
	}

	known := func(id string) bool {
		_, inCatalog := r.catalog[id]
		_, inBatch := batch[id]
		return inCatalog || inBatch
	}
	for _, c := range batch {
		for _, req := range c.RequiredCapabilities {
			if req == c.ID {
				return fmt.Errorf("capability %s requires itself", c.ID)
			}
			if !known(req) {
				return fmt.Errorf("capability %s requires %w %q", c.ID, ErrUnknownCapability, req)
			}
		}
		for _, inc := range c.IncompatibleWith {
			if !known(inc) {
				return fmt.Errorf("capability %s incompatible with %w %q", c.ID, ErrUnknownCapability, inc)
			}
		}
	}

	for id, c := range batch {
		if c.Name == "" {
			c.Name = id
		}
		r.catalog[id] = c
	}
	r.logger.Debug("capabilities defined", "count", len(batch))
	return nil
}

// Capability returns the definition for id.
func (r *Registry) Capability(id string) (*Capability, bool) {
	r.catalogMu.RLock()
	defer r.catalogMu.RUnlock()

	c, ok := r.catalog[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Capabilities returns every defined capability ordered by ID.
func (r *Registry) Capabilities() []*Capability {
	r.catalogMu.RLock()
	defer r.catalogMu.RUnlock()

	out := make([]*Capability, 0, len(r.catalog))
	for _, c := range r.catalog {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register upserts the binding of agentID to capabilityID. It fails with a
// *ValidationError when the capability is unknown, when one of its required
// capabilities is not yet registered for the agent, or when the agent already
// holds an incompatible capability. Re-registration replaces the prior
// binding but keeps its last-use timestamp.
func (r *Registry) Register(agentID, capabilityID string, level Level, proficiency float64) (*AgentCapability, error) {
	if agentID == "" {
		return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: errInvalidBinding, Detail: "agent id is required"}
	}
	if !level.Valid() {
		return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: errInvalidBinding, Detail: "invalid level " + level.String()}
	}
	if proficiency < 0 || proficiency > 100 {
		return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: errInvalidBinding, Detail: fmt.Sprintf("proficiency %.2f outside 0-100", proficiency)}
	}

	def, ok := r.Capability(capabilityID)
	if !ok {
		return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: ErrUnknownCapability}
	}

	entry := r.entry(agentID, true)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, req := range def.RequiredCapabilities {
		if _, held := entry.bindings[req]; !held {
			return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: ErrMissingDependency, Detail: req}
		}
	}
	for _, inc := range def.IncompatibleWith {
		if _, held := entry.bindings[inc]; held {
			return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: ErrIncompatible, Detail: inc}
		}
	}
	// Incompatibility is symmetric: check declarations on what the agent already holds.
	for heldID := range entry.bindings {
		if heldDef, ok := r.Capability(heldID); ok && slices.Contains(heldDef.IncompatibleWith, capabilityID) {
			return nil, &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: ErrIncompatible, Detail: heldID}
		}
	}

	binding := &AgentCapability{
		AgentID:      agentID,
		CapabilityID: capabilityID,
		Level:        level,
		Proficiency:  proficiency,
		Enabled:      true,
		RegisteredAt: r.now(),
	}
	if prev, ok := entry.bindings[capabilityID]; ok {
		binding.LastUsedAt = prev.LastUsedAt
	}
	entry.bindings[capabilityID] = binding

	r.logger.Debug("capability registered",
		"agent_id", agentID,
		"capability_id", capabilityID,
		"level", level.String(),
		"proficiency", proficiency)

	out := *binding
	return &out, nil
}

// Unregister removes a binding. It returns false if there was none.
func (r *Registry) Unregister(agentID, capabilityID string) bool {
	entry := r.entry(agentID, false)
	if entry == nil {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, ok := entry.bindings[capabilityID]; !ok {
		return false
	}
	delete(entry.bindings, capabilityID)
	r.logger.Debug("capability unregistered", "agent_id", agentID, "capability_id", capabilityID)
	return true
}

// Binding returns a copy of the binding for (agentID, capabilityID).
func (r *Registry) Binding(agentID, capabilityID string) (*AgentCapability, bool) {
	entry := r.entry(agentID, false)
	if entry == nil {
		return nil, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	b, ok := entry.bindings[capabilityID]
	if !ok {
		return nil, false
	}
	out := *b
	return &out, true
}

// CapabilitiesOf returns every binding held by agentID ordered by capability ID.
func (r *Registry) CapabilitiesOf(agentID string) []AgentCapability {
	entry := r.entry(agentID, false)
	if entry == nil {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	out := make([]AgentCapability, 0, len(entry.bindings))
	for _, b := range entry.bindings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityID < out[j].CapabilityID })
	return out
}

// FindProviders returns the agents holding an enabled binding for
// capabilityID at or above minLevel. Ranking is level first, then
// proficiency, then most recent successful use, then agent ID.
func (r *Registry) FindProviders(capabilityID string, minLevel Level) []string {
	return r.FindProvidersAll([]string{capabilityID}, minLevel)
}

// FindProvidersAll returns agents qualifying for every capability in
// capabilityIDs. An agent's rank uses its weakest level across the set and
// its mean proficiency.
func (r *Registry) FindProvidersAll(capabilityIDs []string, minLevel Level) []string {
	if len(capabilityIDs) == 0 {
		return nil
	}

	type candidate struct {
		agentID     string
		level       Level
		proficiency float64
		lastUsed    time.Time
	}

	var candidates []candidate
	for agentID, entry := range r.snapshotAgents() {
		entry.mu.RLock()
		c := candidate{agentID: agentID, level: LevelExpert}
		qualified := true
		for _, capID := range capabilityIDs {
			b, ok := entry.bindings[capID]
			if !ok || !b.Enabled || b.Level < minLevel {
				qualified = false
				break
			}
			c.level = min(c.level, b.Level)
			c.proficiency += b.Proficiency
			if b.LastUsedAt.After(c.lastUsed) {
				c.lastUsed = b.LastUsedAt
			}
		}
		entry.mu.RUnlock()
		if !qualified {
			continue
		}
		c.proficiency /= float64(len(capabilityIDs))
		candidates = append(candidates, c)
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := cmp.Compare(b.level, a.level); c != 0 {
			return c
		}
		if c := cmp.Compare(b.proficiency, a.proficiency); c != 0 {
			return c
		}
		if c := b.lastUsed.Compare(a.lastUsed); c != 0 {
			return c
		}
		return cmp.Compare(a.agentID, b.agentID)
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.agentID
	}
	return out
}

// BestProvider returns the head of FindProviders.
func (r *Registry) BestProvider(capabilityID string, minLevel Level) (string, bool) {
	providers := r.FindProviders(capabilityID, minLevel)
	if len(providers) == 0 {
		return "", false
	}
	return providers[0], true
}

// UpdateProficiency stores a new proficiency score from the metrics loop.
func (r *Registry) UpdateProficiency(agentID, capabilityID string, score float64) error {
	if score < 0 || score > 100 {
		return &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: errInvalidBinding, Detail: fmt.Sprintf("proficiency %.2f outside 0-100", score)}
	}
	return r.mutate(agentID, capabilityID, func(b *AgentCapability) { b.Proficiency = score })
}

// ApplyLevel is the metrics loop's entry point for upgrading or downgrading
// a binding's level. Routing never calls it.
func (r *Registry) ApplyLevel(agentID, capabilityID string, level Level) error {
	if !level.Valid() {
		return &ValidationError{AgentID: agentID, CapabilityID: capabilityID, Reason: errInvalidBinding, Detail: "invalid level " + level.String()}
	}
	return r.mutate(agentID, capabilityID, func(b *AgentCapability) { b.Level = level })
}

// SetEnabled toggles whether a binding takes part in discovery.
func (r *Registry) SetEnabled(agentID, capabilityID string, enabled bool) error {
	return r.mutate(agentID, capabilityID, func(b *AgentCapability) { b.Enabled = enabled })
}

// RecordUse stamps the binding with the time of a successful routed use.
func (r *Registry) RecordUse(agentID, capabilityID string, at time.Time) {
	_ = r.mutate(agentID, capabilityID, func(b *AgentCapability) {
		if at.After(b.LastUsedAt) {
			b.LastUsedAt = at
		}
	})
}

func (r *Registry) mutate(agentID, capabilityID string, fn func(*AgentCapability)) error {
	entry := r.entry(agentID, false)
	if entry == nil {
		return fmt.Errorf("%w: %s/%s", ErrBindingNotFound, agentID, capabilityID)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	b, ok := entry.bindings[capabilityID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrBindingNotFound, agentID, capabilityID)
	}
	fn(b)
	return nil
}

func (r *Registry) entry(agentID string, create bool) *agentEntry {
	r.agentsMu.RLock()
	e, ok := r.agents[agentID]
	r.agentsMu.RUnlock()
	if ok || !create {
		return e
	}

	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	if e, ok = r.agents[agentID]; ok {
		return e
	}
	e = &agentEntry{bindings: make(map[string]*AgentCapability)}
	r.agents[agentID] = e
	return e
}

func (r *Registry) snapshotAgents() map[string]*agentEntry {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()

	out := make(map[string]*agentEntry, len(r.agents))
	for id, e := range r.agents {
		out[id] = e
	}
	return out
}
