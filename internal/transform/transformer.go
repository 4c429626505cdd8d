// ABOUTME: Converts message content between formats along a fixed directed graph
// ABOUTME: Pure functions of (source, target, content); safe to call concurrently per recipient

package transform

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/message"
)

const (
	defaultMaxContentBytes    = 64 * 1024
	defaultHistoryExcerpt     = 5
	defaultMaxEnrichmentBytes = 8 * 1024
	excerptBytes              = 280
)

// ErrUnsupportedTransformation is matched by *UnsupportedTransformationError.
var ErrUnsupportedTransformation = errors.New("unsupported transformation")

// ErrMalformedContent indicates content that does not parse as its declared format.
var ErrMalformedContent = errors.New("malformed content")

// UnsupportedTransformationError reports that no path exists between formats.
type UnsupportedTransformationError struct {
	MessageID string
	From      message.Format
	To        message.Format
}

func (e *UnsupportedTransformationError) Error() string {
	return fmt.Sprintf("message %s: no transformation from %s to %s", e.MessageID, e.From, e.To)
}

func (e *UnsupportedTransformationError) Unwrap() error { return ErrUnsupportedTransformation }

// Config bounds transformer output.
type Config struct {
	MaxContentBytes    int // content ceiling after conversion
	HistoryExcerpt     int // history entries kept by enrichment
	MaxEnrichmentBytes int // approximate ceiling for enrichment metadata
}

// Transformer converts and enriches messages. It holds only configuration.
type Transformer struct {
	cfg Config
}

// New creates a Transformer, filling zero config values with defaults.
func New(cfg Config) *Transformer {
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if cfg.HistoryExcerpt <= 0 {
		cfg.HistoryExcerpt = defaultHistoryExcerpt
	}
	if cfg.MaxEnrichmentBytes <= 0 {
		cfg.MaxEnrichmentBytes = defaultMaxEnrichmentBytes
	}
	return &Transformer{cfg: cfg}
}

// Transform returns a copy of msg converted to target. The original message
// is never modified. Oversized output is cut from the tail and flagged with
// metadata["truncated"] = true.
func (t *Transformer) Transform(msg *message.Message, target message.Format) (*message.Message, error) {
	path, err := Path(msg.Format, target)
	if err != nil {
		var uerr *UnsupportedTransformationError
		if errors.As(err, &uerr) {
			uerr.MessageID = msg.ID
		}
		return nil, err
	}

	out := msg.Clone()
	content := msg.Content
	for i := 1; i < len(path); i++ {
		conv := converterFor(path[i-1], path[i])
		content, err = conv(content, out.Metadata)
		if err != nil {
			return nil, fmt.Errorf("message %s: %s -> %s: %w", msg.ID, path[i-1], path[i], err)
		}
	}
	if len(path) > 1 {
		out.Metadata[message.MetaSourceFormat] = string(msg.Format)
	}

	content, cut := truncate(content, t.cfg.MaxContentBytes)
	prev, _ := out.Metadata[message.MetaTruncated].(bool)
	out.Metadata[message.MetaTruncated] = prev || cut
	out.Content = content
	out.Format = target
	return out, nil
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
