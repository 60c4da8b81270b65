package projection_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/projection"
)

func TestDrain_CatchesUpActiveSubscriptions(t *testing.T) {
	h := newHarness(t, "poller-drain")
	h.engine.Register(&recordingHandler{projectionType: "names", eventTypes: []string{"t.created"}})
	h.subscribe(t, "names", "t.created")

	var last int64
	for _, name := range []string{"alpha", "beta", "gamma"} {
		last = int64(h.append(t, "t.created", name).Sequence)
	}
	// An event outside the subscription's types is skipped entirely.
	h.append(t, "t.other", "delta")

	poller := projection.NewPoller(h.engine, projection.PollerConfig{})
	require.NoError(t, poller.Drain(h.ctx))

	assert.Equal(t, 3, h.rowCount(t, "names"))
	assert.Equal(t, last, h.cursor(t, "names"))

	// A second drain with nothing new is a no-op.
	require.NoError(t, poller.Drain(h.ctx))
	assert.Equal(t, 3, h.rowCount(t, "names"))
}

func TestDrain_SkipsPausedSubscriptions(t *testing.T) {
	h := newHarness(t, "poller-paused")
	h.engine.Register(&recordingHandler{projectionType: "names", eventTypes: []string{"t.created"}})
	sub := h.subscribe(t, "names", "t.created")
	_, err := h.subs.Pause(h.ctx, nil, sub.ID)
	require.NoError(t, err)

	h.append(t, "t.created", "alpha")

	poller := projection.NewPoller(h.engine, projection.PollerConfig{})
	require.NoError(t, poller.Drain(h.ctx))
	assert.Zero(t, h.rowCount(t, "names"))
	assert.Zero(t, h.cursor(t, "names"))

	_, err = h.subs.Resume(h.ctx, nil, sub.ID)
	require.NoError(t, err)
	require.NoError(t, poller.Drain(h.ctx))
	assert.Equal(t, 1, h.rowCount(t, "names"))
}

func TestDrain_PoisonEventIsDeadLetteredAfterRetries(t *testing.T) {
	h := newHarness(t, "poller-poison")
	first := h.append(t, "t.created", "poison")
	second := h.append(t, "t.created", "good")

	handler := &recordingHandler{
		projectionType: "names",
		eventTypes:     []string{"t.created"},
		failWith:       errors.New("cannot project"),
		failOnEventID:  first.ID,
	}
	h.engine.Register(handler)
	h.subscribe(t, "names", "t.created")

	poller := projection.NewPoller(h.engine, projection.PollerConfig{MaxEventRetries: 2})

	// First attempt fails and leaves the cursor in place.
	require.NoError(t, poller.Drain(h.ctx))
	assert.Zero(t, h.cursor(t, "names"))
	assert.Zero(t, h.deadLetters(t, "names"))

	got, err := h.subs.Get(h.ctx, nil, "names", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)

	// The retry limit trips on the second attempt: the poison event is
	// dead-lettered, the cursor skips it, and the rest of the stream flows.
	require.NoError(t, poller.Drain(h.ctx))
	assert.Equal(t, 1, h.deadLetters(t, "names"))
	assert.Equal(t, int64(second.Sequence), h.cursor(t, "names"))
	assert.Equal(t, 1, h.rowCount(t, "names"))

	got, err = h.subs.Get(h.ctx, nil, "names", "", "")
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
}

func TestDrain_FailedEventRollsBackWholeTransaction(t *testing.T) {
	h := newHarness(t, "poller-rollback")
	ev := h.append(t, "t.created", "alpha")

	// Two handlers on the same projection: the first writes, the second
	// fails. The async path retries the whole event, so nothing persists.
	h.engine.Register(&recordingHandler{projectionType: "names", eventTypes: []string{"t.created"}})
	h.engine.Register(&recordingHandler{
		projectionType: "names",
		eventTypes:     []string{"t.created"},
		failWith:       errors.New("second handler down"),
		failOnEventID:  ev.ID,
	})
	h.subscribe(t, "names", "t.created")

	poller := projection.NewPoller(h.engine, projection.PollerConfig{MaxEventRetries: 5})
	require.NoError(t, poller.Drain(h.ctx))

	assert.Zero(t, h.rowCount(t, "names"))
	assert.Zero(t, h.cursor(t, "names"))
}
