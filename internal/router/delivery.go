// ABOUTME: Per-recipient delivery loop with format adaptation and bounded retry
// ABOUTME: Transient failures back off exponentially; cancellation fails the recipient

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/message"
)

const persistTimeout = 5 * time.Second

func (r *Router) deliver(ctx context.Context, msg *message.Message, strategy message.Strategy, p Participant, res *Result) {
	target := p.PreferredFormat
	if target == "" {
		target = msg.Format
	}

	var lastErr error
	attempts := 0
	for attempts < r.cfg.MaxAttempts {
		if attempts > 0 {
			if err := sleepCtx(ctx, r.backoff(attempts)); err != nil {
				lastErr = fmt.Errorf("%w: %v", ErrDeliveryCancelled, err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrDeliveryCancelled, err)
			break
		}
		attempts++

		adapted := msg
		if r.transformer != nil {
			var err error
			adapted, err = r.transformer.Transform(msg, target)
			if err != nil {
				// Conversion failures are not transient.
				lastErr = err
				break
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err := r.deliverer.Deliver(attemptCtx, p.ID, adapted)
		cancel()
		if err == nil {
			r.delivered(msg, strategy, p.ID, attempts, res)
			return
		}

		if ctx.Err() != nil {
			lastErr = fmt.Errorf("%w: %v", ErrDeliveryCancelled, err)
			break
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrDeliveryTimeout) {
			err = fmt.Errorf("%w: %v", ErrDeliveryTimeout, err)
		}
		lastErr = err
		if !Transient(err) {
			break
		}
		r.logger.Warn("delivery attempt failed",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"recipient_id", p.ID,
			"attempt", attempts,
			"error", err)
	}

	r.failed(msg, p.ID, attempts, lastErr, res)
}

func (r *Router) delivered(msg *message.Message, strategy message.Strategy, recipientID string, attempts int, res *Result) {
	if err := msg.Delivery.Advance(recipientID, message.StatusDelivered); err != nil {
		// Report what the tracker holds; nothing is persisted for a status
		// that was not applied.
		cur, _ := msg.Delivery.Status(recipientID)
		r.logger.Warn("delivered status not applied",
			"message_id", msg.ID, "recipient_id", recipientID, "status", cur.String(), "error", err)
		res.settle(Update{
			MessageID:   msg.ID,
			RecipientID: recipientID,
			Status:      cur,
			Attempts:    attempts,
		})
		return
	}

	if r.index != nil && (strategy == message.StrategyCapability || strategy == message.StrategyLoadBalanced) {
		now := time.Now()
		for _, capID := range msg.RequiredCapabilities {
			r.index.RecordUse(recipientID, capID, now)
		}
	}

	if r.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		res.persistOnce.Do(func() {
			if err := r.recorder.RecordDelivered(ctx, msg); err != nil {
				r.logger.Error("failed to persist message", "message_id", msg.ID, "error", err)
			}
		})
		r.recorder.RecordStatus(ctx, msg, recipientID, message.StatusDelivered, nil)
		cancel()
	}

	res.settle(Update{
		MessageID:   msg.ID,
		RecipientID: recipientID,
		Status:      message.StatusDelivered,
		Attempts:    attempts,
	})
}

func (r *Router) failed(msg *message.Message, recipientID string, attempts int, cause error, res *Result) {
	derr := &DeliveryError{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		RecipientID:    recipientID,
		Attempts:       attempts,
		Err:            cause,
	}
	if err := msg.Delivery.Advance(recipientID, message.StatusFailed); err != nil {
		r.logger.Debug("failed status not applied", "message_id", msg.ID, "recipient_id", recipientID, "error", err)
	}
	r.logger.Warn("delivery failed",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"recipient_id", recipientID,
		"attempts", attempts,
		"error", cause)

	if r.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		r.recorder.RecordStatus(ctx, msg, recipientID, message.StatusFailed, derr)
		cancel()
	}

	res.settle(Update{
		MessageID:   msg.ID,
		RecipientID: recipientID,
		Status:      message.StatusFailed,
		Attempts:    attempts,
		Err:         derr,
	})
}

// backoff returns the wait before retry n (1-based), doubling from the base
// and capped at MaxBackoff.
func (r *Router) backoff(n int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return min(d, r.cfg.MaxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
