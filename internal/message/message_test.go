// ABOUTME: Tests for message helpers and the delivery status tracker
// ABOUTME: Verifies lifecycle monotonicity and copy semantics

package message

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	m := New("agent-a", "hello")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, FormatText, m.Format)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.Equal(t, StrategyDirect, m.Strategy)
	assert.True(t, m.VisibleToAll())
	assert.NotNil(t, m.Delivery)
}

func TestExplicitRecipients_MergesAndDedupes(t *testing.T) {
	m := &Message{RecipientID: "b", Recipients: []string{"c", "b", "", "d"}}
	assert.Equal(t, []string{"b", "c", "d"}, m.ExplicitRecipients())
	assert.Nil(t, (&Message{}).ExplicitRecipients())
}

func TestWithContent_LeavesOriginalUntouched(t *testing.T) {
	m := New("a", "original")
	m.Metadata["k"] = "v"

	out := m.WithContent("changed", FormatMarkdown)
	out.Metadata["k"] = "other"

	assert.Equal(t, "original", m.Content)
	assert.Equal(t, FormatText, m.Format)
	assert.Equal(t, "v", m.Metadata["k"])
	assert.Equal(t, "changed", out.Content)
	assert.Same(t, m.Delivery, out.Delivery)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusPending, StatusDelivered, true},
		{StatusPending, StatusFailed, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusProcessed, false},
		{StatusPending, StatusRead, false},
		{StatusProcessed, StatusResponded, true},
		{StatusRead, StatusResponded, false},
		{StatusRead, StatusFailed, true},
		{StatusProcessed, StatusFailed, false},
		{StatusResponded, StatusFailed, false},
		{StatusDelivered, StatusPending, false},
		{StatusFailed, StatusDelivered, false},
		{StatusFailed, StatusPending, false},
		{StatusRead, StatusRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTracker_Monotonic(t *testing.T) {
	tr := NewTracker()
	tr.Track("b")
	tr.Track("b")

	assert.ErrorIs(t, tr.Advance("b", StatusRead), ErrStatusSkipped)
	require.NoError(t, tr.Advance("b", StatusDelivered))
	require.NoError(t, tr.Advance("b", StatusRead))
	assert.ErrorIs(t, tr.Advance("b", StatusDelivered), ErrStatusRegression)
	assert.ErrorIs(t, tr.Advance("b", StatusResponded), ErrStatusSkipped)
	require.NoError(t, tr.Advance("b", StatusProcessed))
	assert.ErrorIs(t, tr.Advance("b", StatusFailed), ErrStatusRegression)
	require.NoError(t, tr.Advance("b", StatusResponded))

	assert.Equal(t, []DeliveryStatus{StatusPending, StatusDelivered, StatusRead, StatusProcessed, StatusResponded}, tr.History("b"))
	assert.ErrorIs(t, tr.Advance("nobody", StatusDelivered), ErrUnknownRecipient)
}

func TestTracker_FailedIsTerminal(t *testing.T) {
	tr := NewTracker()
	tr.Track("b")
	require.NoError(t, tr.Advance("b", StatusFailed))
	for s := StatusPending; s <= StatusFailed; s++ {
		assert.Error(t, tr.Advance("b", s))
	}
	st, ok := tr.Status("b")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, st)
}

func TestTracker_ConcurrentAdvances(t *testing.T) {
	tr := NewTracker()
	tr.Track("b")

	var wg sync.WaitGroup
	for _, s := range []DeliveryStatus{StatusDelivered, StatusRead, StatusProcessed, StatusResponded, StatusFailed} {
		wg.Add(1)
		go func(s DeliveryStatus) {
			defer wg.Done()
			_ = tr.Advance("b", s)
		}(s)
	}
	wg.Wait()

	hist := tr.History("b")
	for i := 1; i < len(hist); i++ {
		assert.True(t, hist[i-1].CanTransition(hist[i]), "illegal step %s -> %s", hist[i-1], hist[i])
	}
}

func TestParse(t *testing.T) {
	f, err := ParseFormat("Markdown")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)
	_, err = ParseFormat("pdf")
	assert.Error(t, err)

	s, err := ParseStrategy("load-balanced")
	require.NoError(t, err)
	assert.Equal(t, StrategyLoadBalanced, s)

	st, err := ParseStatus("processed")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, st)
}
