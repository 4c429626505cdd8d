// ABOUTME: Message type exchanged between agents plus its format, priority and strategy enums
// ABOUTME: Content and sender never change after creation; only delivery status advances

package message

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/capability"
)

// Format is the content encoding of a message.
type Format string

const (
	FormatText       Format = "text"
	FormatMarkdown   Format = "markdown"
	FormatJSON       Format = "json"
	FormatHTML       Format = "html"
	FormatStructured Format = "structured"
)

// Formats lists every supported format.
var Formats = []Format{FormatText, FormatMarkdown, FormatJSON, FormatHTML, FormatStructured}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	return slices.Contains(Formats, f)
}

// ParseFormat converts a format name into a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unknown message format %q", s)
	}
	return f, nil
}

// Priority orders messages for the transport.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Strategy selects how a message's recipient set is resolved.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyCapability
	StrategyBroadcast
	StrategyLoadBalanced
	StrategyContextual
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyCapability:
		return "capability"
	case StrategyBroadcast:
		return "broadcast"
	case StrategyLoadBalanced:
		return "load_balanced"
	case StrategyContextual:
		return "contextual"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a strategy name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return StrategyDirect, nil
	case "capability":
		return StrategyCapability, nil
	case "broadcast":
		return StrategyBroadcast, nil
	case "load_balanced", "load-balanced":
		return StrategyLoadBalanced, nil
	case "contextual":
		return StrategyContextual, nil
	}
	return 0, fmt.Errorf("unknown routing strategy %q", s)
}

// Well-known metadata keys.
const (
	MetaTruncated       = "truncated"
	MetaSourceFormat    = "source_format"
	MetaStructuredType  = "structured_type"
	MetaEnrichment      = "enrichment"
	MetaEnrichmentTrunc = "enrichment_truncated"
)

// Message is the unit of communication between participants.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string   // single recipient
	Recipients     []string // multiple recipients
	Content        string
	Format         Format
	Timestamp      time.Time
	Priority       Priority
	Strategy       Strategy

	// Capability routing inputs.
	RequiredCapabilities []string
	MinLevel             capability.Level

	// Thread the message replies to; used by contextual routing.
	ParentMessageID string

	// Visibility. A zero value is visible to everyone.
	Restricted bool
	VisibleTo  []string

	AcknowledgmentRequired bool

	// Sequence is stamped by the conversation manager at submission.
	Sequence uint64

	Metadata map[string]any

	Delivery *Tracker
}

// New creates a message with a fresh ID and sensible defaults.
func New(senderID, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Content:   content,
		Format:    FormatText,
		Timestamp: time.Now(),
		Priority:  PriorityNormal,
		Strategy:  StrategyDirect,
		Metadata:  make(map[string]any),
		Delivery:  NewTracker(),
	}
}

// VisibleToAll reports whether every participant may see the message.
func (m *Message) VisibleToAll() bool {
	return !m.Restricted
}

// ExplicitRecipients returns RecipientID and Recipients merged, in order,
// without duplicates.
func (m *Message) ExplicitRecipients() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(m.RecipientID)
	for _, id := range m.Recipients {
		add(id)
	}
	return out
}

// Clone returns a copy whose slices and metadata can be modified freely. The
// delivery tracker is shared: it belongs to the original message.
func (m *Message) Clone() *Message {
	out := *m
	out.Recipients = slices.Clone(m.Recipients)
	out.RequiredCapabilities = slices.Clone(m.RequiredCapabilities)
	out.VisibleTo = slices.Clone(m.VisibleTo)
	out.Metadata = maps.Clone(m.Metadata)
	if out.Metadata == nil {
		out.Metadata = make(map[string]any)
	}
	return &out
}

// WithContent returns a clone carrying new content in format f.
func (m *Message) WithContent(content string, f Format) *Message {
	out := m.Clone()
	out.Content = content
	out.Format = f
	return out
}
