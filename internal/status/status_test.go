package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeTable(t *testing.T) {
	cases := []struct {
		db, pubsub, sub bool
		want            Mode
	}{
		{true, true, true, ModeFull},
		{true, true, false, ModeLimited},
		{true, false, false, ModeReadonly},
		{false, true, true, ModeError},
		{false, false, false, ModeError},
	}

	for _, tc := range cases {
		tr := NewTracker()
		tr.ReportDB(tc.db, nil)
		tr.ReportPubSub(tc.pubsub, nil)
		if tc.sub {
			tr.ReportSubscription(true, nil)
		}
		assert.Equal(t, tc.want, tr.Mode(),
			"db=%v pubsub=%v sub=%v", tc.db, tc.pubsub, tc.sub)
	}
}

func TestInitializingBeforeFirstReport(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, ModeInitializing, tr.Mode())
	assert.False(t, tr.Snapshot().Healthy())
	assert.False(t, tr.Snapshot().Ready())
}

func TestHealthyAndReady(t *testing.T) {
	tr := NewTracker()
	tr.ReportDB(true, nil)
	tr.ReportPubSub(true, nil)
	tr.ReportSubscription(true, nil)

	snap := tr.Snapshot()
	assert.True(t, snap.Healthy())
	assert.True(t, snap.Ready())

	tr.ReportSubscription(false, errors.New("detached"))
	snap = tr.Snapshot()
	assert.Equal(t, ModeLimited, snap.Mode)
	assert.True(t, snap.Healthy())
	assert.False(t, snap.Ready())
}

func TestPubSubFailureTakesSubscriptionDown(t *testing.T) {
	tr := NewTracker()
	tr.ReportDB(true, nil)
	tr.ReportPubSub(true, nil)
	tr.ReportSubscription(true, nil)
	assert.Equal(t, ModeFull, tr.Mode())

	tr.ReportPubSub(false, errors.New("transport gone"))
	assert.Equal(t, ModeReadonly, tr.Mode())
}

func TestSubscriptionRecoveryImpliesPubSub(t *testing.T) {
	tr := NewTracker()
	tr.ReportDB(true, nil)
	tr.ReportPubSub(false, errors.New("down"))

	tr.ReportSubscription(true, nil)
	assert.Equal(t, ModeFull, tr.Mode())
}

func TestErrorRingBounded(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 30; i++ {
		tr.ReportDB(false, fmt.Errorf("failure %d", i))
	}

	snap := tr.Snapshot()
	ring := snap.RecentErrors[SourceDB]
	assert.Len(t, ring, 20)
	assert.Equal(t, "failure 29", ring[len(ring)-1].Message)
	assert.Equal(t, "failure 10", ring[0].Message)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.ReportDB(false, errors.New("one"))

	snap := tr.Snapshot()
	snap.RecentErrors[SourceDB][0].Message = "mutated"

	assert.Equal(t, "one", tr.Snapshot().RecentErrors[SourceDB][0].Message)
}
