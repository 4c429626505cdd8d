// ABOUTME: Wire encodings for messages leaving the process
// ABOUTME: structpb payloads for the gRPC inbox and deterministic CBOR envelopes for Kafka

package transport

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-relay/internal/message"
)

// Envelope is the transport form of an adapted message.
type Envelope struct {
	RecipientID     string         `cbor:"recipient_id" json:"recipient_id"`
	MessageID       string         `cbor:"message_id" json:"message_id"`
	ConversationID  string         `cbor:"conversation_id" json:"conversation_id"`
	Sequence        uint64         `cbor:"sequence" json:"sequence"`
	SenderID        string         `cbor:"sender_id" json:"sender_id"`
	Content         string         `cbor:"content" json:"content"`
	Format          string         `cbor:"format" json:"format"`
	Priority        string         `cbor:"priority" json:"priority"`
	ParentMessageID string         `cbor:"parent_message_id,omitempty" json:"parent_message_id,omitempty"`
	AckRequired     bool           `cbor:"ack_required,omitempty" json:"ack_required,omitempty"`
	Timestamp       time.Time      `cbor:"timestamp" json:"timestamp"`
	Metadata        map[string]any `cbor:"metadata,omitempty" json:"metadata,omitempty"`
}

// NewEnvelope captures msg as delivered to recipientID.
func NewEnvelope(recipientID string, msg *message.Message) *Envelope {
	return &Envelope{
		RecipientID:     recipientID,
		MessageID:       msg.ID,
		ConversationID:  msg.ConversationID,
		Sequence:        msg.Sequence,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		Format:          string(msg.Format),
		Priority:        msg.Priority.String(),
		ParentMessageID: msg.ParentMessageID,
		AckRequired:     msg.AcknowledgmentRequired,
		Timestamp:       msg.Timestamp.UTC(),
		Metadata:        msg.Metadata,
	}
}

// Message rebuilds a message from the envelope. Delivery tracking stays
// with the sender, so the result carries a fresh tracker.
func (e *Envelope) Message() (*message.Message, error) {
	f, err := message.ParseFormat(e.Format)
	if err != nil {
		return nil, err
	}
	p, err := message.ParsePriority(e.Priority)
	if err != nil {
		return nil, err
	}
	meta := e.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	return &message.Message{
		ID:                     e.MessageID,
		ConversationID:         e.ConversationID,
		Sequence:               e.Sequence,
		SenderID:               e.SenderID,
		RecipientID:            e.RecipientID,
		Content:                e.Content,
		Format:                 f,
		Priority:               p,
		ParentMessageID:        e.ParentMessageID,
		AcknowledgmentRequired: e.AckRequired,
		Timestamp:              e.Timestamp,
		Metadata:               meta,
		Delivery:               message.NewTracker(),
	}, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes the envelope deterministically.
func (e *Envelope) MarshalCBOR() ([]byte, error) {
	type plain Envelope
	return cborEnc.Marshal((*plain)(e))
}

// DecodeEnvelope parses a CBOR envelope produced by MarshalCBOR.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	type plain Envelope
	var out plain
	if err := cborDec.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	e := Envelope(out)
	return &e, nil
}

// toStruct converts the envelope into a protobuf Struct. Metadata values
// that are not plain JSON are flattened through their JSON form first.
func (e *Envelope) toStruct() (*structpb.Struct, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	// Struct numbers are float64; keep the sequence exact.
	fields["sequence"] = strconv.FormatUint(e.Sequence, 10)
	return structpb.NewStruct(fields)
}

func envelopeFromStruct(s *structpb.Struct) (*Envelope, error) {
	fields := s.AsMap()
	if seq, ok := fields["sequence"].(string); ok {
		n, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decoding envelope: bad sequence %q", seq)
		}
		fields["sequence"] = n
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.RecipientID == "" || e.MessageID == "" {
		return nil, fmt.Errorf("decoding envelope: recipient_id and message_id are required")
	}
	return &e, nil
}
