// ABOUTME: Opt-in enrichment of message metadata with history, capabilities and knowledge
// ABOUTME: Content is never touched; enrichment size is bounded and truncation is flagged

package transform

import (
	"errors"
	"fmt"
	"sort"

	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/message"
)

// Kind names one category of enrichment.
type Kind string

const (
	KindHistory      Kind = "history"
	KindCapabilities Kind = "capabilities"
	KindKnowledge    Kind = "knowledge"
)

// ErrUnknownEnrichment is returned for kinds outside the allow-list.
var ErrUnknownEnrichment = errors.New("unknown enrichment kind")

// ParseKind converts a kind name into a Kind from the allow-list.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindHistory, KindCapabilities, KindKnowledge:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnrichment, s)
	}
}

// EnrichmentSpec selects which kinds to apply and supplies their inputs.
type EnrichmentSpec struct {
	Kinds        []Kind
	History      []*message.Message // oldest first
	Capabilities []capability.AgentCapability
	Knowledge    map[string]string // referenced entity -> description
}

// HistoryEntry is one excerpt placed under metadata["enrichment"]["history"].
type HistoryEntry struct {
	MessageID string
	SenderID  string
	Sequence  uint64
	Excerpt   string
}

// CapabilityEntry describes one sender capability.
type CapabilityEntry struct {
	CapabilityID string
	Level        string
	Proficiency  float64
}

// Enrichment is stored under metadata["enrichment"].
type Enrichment struct {
	History      []HistoryEntry
	Capabilities []CapabilityEntry
	Knowledge    map[string]string
}

// Enrich returns a copy of msg with an Enrichment attached to its metadata.
func (t *Transformer) Enrich(msg *message.Message, spec EnrichmentSpec) (*message.Message, error) {
	e := &Enrichment{}
	for _, kind := range spec.Kinds {
		switch kind {
		case KindHistory:
			e.History = t.historyExcerpt(msg, spec.History)
		case KindCapabilities:
			for _, c := range spec.Capabilities {
				if !c.Enabled {
					continue
				}
				e.Capabilities = append(e.Capabilities, CapabilityEntry{
					CapabilityID: c.CapabilityID,
					Level:        c.Level.String(),
					Proficiency:  c.Proficiency,
				})
			}
		case KindKnowledge:
			if len(spec.Knowledge) > 0 {
				e.Knowledge = make(map[string]string, len(spec.Knowledge))
				for k, v := range spec.Knowledge {
					e.Knowledge[k] = v
				}
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownEnrichment, kind)
		}
	}

	cut := t.bound(e)

	out := msg.Clone()
	out.Metadata[message.MetaEnrichment] = e
	if cut {
		out.Metadata[message.MetaEnrichmentTrunc] = true
		out.Metadata[message.MetaTruncated] = true
	}
	return out, nil
}

func (t *Transformer) historyExcerpt(msg *message.Message, history []*message.Message) []HistoryEntry {
	var entries []HistoryEntry
	for _, h := range history {
		if h.ID == msg.ID {
			continue
		}
		excerpt, _ := truncate(h.Content, excerptBytes)
		entries = append(entries, HistoryEntry{
			MessageID: h.ID,
			SenderID:  h.SenderID,
			Sequence:  h.Sequence,
			Excerpt:   excerpt,
		})
	}
	if len(entries) > t.cfg.HistoryExcerpt {
		entries = entries[len(entries)-t.cfg.HistoryExcerpt:]
	}
	return entries
}

// bound drops the oldest history entries, then knowledge entries from the
// tail of the sorted key list, until the enrichment fits. It reports whether
// anything was dropped.
func (t *Transformer) bound(e *Enrichment) bool {
	cut := false
	for e.size() > t.cfg.MaxEnrichmentBytes && len(e.History) > 0 {
		e.History = e.History[1:]
		cut = true
	}
	if e.size() > t.cfg.MaxEnrichmentBytes && len(e.Knowledge) > 0 {
		keys := make([]string, 0, len(e.Knowledge))
		for k := range e.Knowledge {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i := len(keys) - 1; i >= 0 && e.size() > t.cfg.MaxEnrichmentBytes; i-- {
			delete(e.Knowledge, keys[i])
			cut = true
		}
	}
	for e.size() > t.cfg.MaxEnrichmentBytes && len(e.Capabilities) > 0 {
		e.Capabilities = e.Capabilities[:len(e.Capabilities)-1]
		cut = true
	}
	return cut
}

func (e *Enrichment) size() int {
	n := 0
	for _, h := range e.History {
		n += len(h.MessageID) + len(h.SenderID) + len(h.Excerpt) + 8
	}
	for _, c := range e.Capabilities {
		n += len(c.CapabilityID) + len(c.Level) + 8
	}
	for k, v := range e.Knowledge {
		n += len(k) + len(v)
	}
	return n
}
