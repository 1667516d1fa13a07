package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/testdb"
)

var queueEpoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, clockwork.FakeClock) {
	t.Helper()
	database := testdb.Open(t, &SyncEvent{}, &ResyncFlag{})
	clock := clockwork.NewFakeClockAt(queueEpoch)
	queue, err := NewQueue(QueueConfig{
		Database:   database,
		Clock:      clock.Now,
		IDProvider: ids.NewUUIDProvider(),
	})
	require.NoError(t, err)
	return queue, clock
}

func mustEnqueue(t *testing.T, queue *Queue, userID ids.UserID, itemID ids.ItemID, payload Payload) Event {
	t.Helper()
	event, err := queue.Enqueue(context.Background(), EnqueueRequest{
		UserID:  userID,
		ItemID:  itemID,
		Payload: payload,
	})
	require.NoError(t, err)
	return event
}

func TestNewQueueRequiresDependencies(t *testing.T) {
	_, err := NewQueue(QueueConfig{IDProvider: ids.NewUUIDProvider()})
	require.Error(t, err)

	_, err = NewQueue(QueueConfig{Database: testdb.Open(t)})
	require.Error(t, err)
}

func TestEnqueueAppendsPendingEvent(t *testing.T) {
	queue, _ := newTestQueue(t)

	event := mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr", Version: "sha256:0123456789abcdef"})
	assert.Equal(t, KindArtifactReady, event.Kind())
	assert.Nil(t, event.DeliveredAt)
	assert.Equal(t, queueEpoch, event.CreatedAt)

	pending, err := queue.ListPending(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ArtifactReady{Artifact: "ocr", Version: "sha256:0123456789abcdef"}, pending[0].Payload)
}

func TestEnqueueRejectsMissingPayload(t *testing.T) {
	queue, _ := newTestQueue(t)
	_, err := queue.Enqueue(context.Background(), EnqueueRequest{UserID: "user-1", ItemID: "book-1"})
	require.Error(t, err)
}

func TestDrainPendingTwiceReturnsEmptySecondTime(t *testing.T) {
	queue, clock := newTestQueue(t)
	mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr"})
	clock.Advance(time.Second)
	mustEnqueue(t, queue, "user-1", "book-1", AnalysisDone{Analysis: "summary"})
	clock.Advance(time.Second)
	mustEnqueue(t, queue, "user-2", "book-9", CoverUpdated{CoverURL: "https://covers.example/9.jpg"})

	first, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, KindArtifactReady, first[0].Kind())
	assert.Equal(t, KindAnalysisDone, first[1].Kind())
	for _, event := range first {
		require.NotNil(t, event.DeliveredAt)
	}

	second, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{})
	require.NoError(t, err)
	assert.Empty(t, second)

	other, err := queue.ListPending(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "draining one user must not touch another user's events")
}

func TestDrainPendingHonorsSinceCursorAndLimit(t *testing.T) {
	queue, clock := newTestQueue(t)
	mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr"})
	cursor := clock.Now()
	clock.Advance(time.Minute)
	mustEnqueue(t, queue, "user-1", "book-1", MetadataUpdated{Fields: []string{"title"}})
	clock.Advance(time.Minute)
	mustEnqueue(t, queue, "user-1", "book-1", AnalysisDone{Analysis: "topics"})

	limited, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{Since: &cursor, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, KindMetadataUpdated, limited[0].Kind())

	rest, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{Since: &cursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, KindAnalysisDone, rest[0].Kind())

	pending, err := queue.ListPending(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1, "the event before the cursor stays pending")
	assert.Equal(t, KindArtifactReady, pending[0].Kind())
}

func TestDrainPendingFiltersDeviceTargetedEvents(t *testing.T) {
	queue, _ := newTestQueue(t)
	_, err := queue.Enqueue(context.Background(), EnqueueRequest{
		UserID:       "user-1",
		ItemID:       "book-1",
		TargetDevice: "tablet",
		Payload:      DocumentUpdated{DocumentID: "note-1", Version: 2, Reason: DocumentReasonConflict},
	})
	require.NoError(t, err)
	mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "vector_index"})

	phone, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{DeviceID: "phone"})
	require.NoError(t, err)
	require.Len(t, phone, 1)
	assert.Equal(t, KindArtifactReady, phone[0].Kind())

	tablet, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{DeviceID: "tablet"})
	require.NoError(t, err)
	require.Len(t, tablet, 1)
	assert.Equal(t, ids.DeviceID("tablet"), tablet[0].TargetDevice)
}

func TestCountPendingMatchesDrainFilters(t *testing.T) {
	queue, _ := newTestQueue(t)
	_, err := queue.Enqueue(context.Background(), EnqueueRequest{
		UserID:       "user-1",
		ItemID:       "book-1",
		TargetDevice: "tablet",
		Payload:      DocumentUpdated{DocumentID: "note-1", Version: 2, Reason: DocumentReasonConflict},
	})
	require.NoError(t, err)
	own := mustEnqueue(t, queue, "user-1", "book-1", DocumentUpdated{DocumentID: "note-2", Version: 1, Reason: DocumentReasonUpdated})
	mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr"})
	mustEnqueue(t, queue, "user-2", "book-1", ArtifactReady{Artifact: "ocr"})

	count, err := queue.CountPending(context.Background(), "user-1", DrainOptions{DeviceID: "phone", Exclude: []string{own.ID}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, err = queue.DrainPending(context.Background(), "user-1", DrainOptions{DeviceID: "phone", Limit: 1})
	require.NoError(t, err)
	count, err = queue.CountPending(context.Background(), "user-1", DrainOptions{DeviceID: "phone"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "the limit leaves one untargeted event pending")
}

func TestConcurrentDrainsDeliverEachEventOnce(t *testing.T) {
	queue, _ := newTestQueue(t)
	const total = 40
	for index := 0; index < total; index++ {
		mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr"})
	}

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		seen      = make(map[string]int)
	)
	for worker := 0; worker < 4; worker++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for attempt := 0; attempt < 5; attempt++ {
				drained, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{Limit: 7})
				if err != nil {
					t.Errorf("drain failed: %v", err)
					return
				}
				mu.Lock()
				for _, event := range drained {
					seen[event.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	waitGroup.Wait()

	remaining, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{})
	require.NoError(t, err)
	for _, event := range remaining {
		seen[event.ID]++
	}
	require.Len(t, seen, total)
	for eventID, count := range seen {
		assert.Equal(t, 1, count, "event %s delivered %d times", eventID, count)
	}
}

func TestSweepRemovesDeliveredEventsAfterRetention(t *testing.T) {
	queue, clock := newTestQueue(t)
	mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr"})
	_, err := queue.DrainPending(context.Background(), "user-1", DrainOptions{})
	require.NoError(t, err)

	result, err := queue.Sweep(context.Background(), clock.Now().Add(6*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, result.DeliveredRemoved)

	result, err = queue.Sweep(context.Background(), clock.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeliveredRemoved)
	assert.Empty(t, result.UsersFlagged)

	var remaining int64
	require.NoError(t, queue.db.Model(&SyncEvent{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestSweepRemovesStalePendingEventsAndFlagsUser(t *testing.T) {
	queue, clock := newTestQueue(t)
	mustEnqueue(t, queue, "user-1", "book-1", MetadataUpdated{Version: "sha256:00000000000000aa"})
	mustEnqueue(t, queue, "user-1", "book-2", CoverUpdated{})

	result, err := queue.Sweep(context.Background(), clock.Now().Add(29*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, result.PendingRemoved)

	result, err = queue.Sweep(context.Background(), clock.Now().Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, result.PendingRemoved)
	assert.Equal(t, []ids.UserID{"user-1"}, result.UsersFlagged)

	flagged, err := queue.ConsumeResyncFlag(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, flagged)

	flaggedAgain, err := queue.ConsumeResyncFlag(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, flaggedAgain, "the resync flag is consumed once")
}

func TestSweepWorksInBatches(t *testing.T) {
	database := testdb.Open(t, &SyncEvent{}, &ResyncFlag{})
	clock := clockwork.NewFakeClockAt(queueEpoch)
	queue, err := NewQueue(QueueConfig{
		Database:       database,
		Clock:          clock.Now,
		IDProvider:     ids.NewUUIDProvider(),
		SweepBatchSize: 3,
	})
	require.NoError(t, err)
	for index := 0; index < 8; index++ {
		mustEnqueue(t, queue, "user-1", "book-1", ArtifactReady{Artifact: "ocr"})
	}
	_, err = queue.DrainPending(context.Background(), "user-1", DrainOptions{})
	require.NoError(t, err)

	result, err := queue.Sweep(context.Background(), clock.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 8, result.DeliveredRemoved)
}

func TestFlagResyncIsIdempotent(t *testing.T) {
	queue, _ := newTestQueue(t)
	require.NoError(t, queue.FlagResync(context.Background(), "user-1", ResyncReasonEnqueueFailed))
	require.NoError(t, queue.FlagResync(context.Background(), "user-1", ResyncReasonPendingExpired))

	var flags []ResyncFlag
	require.NoError(t, queue.db.Find(&flags).Error)
	require.Len(t, flags, 1)
	assert.Equal(t, ResyncReasonPendingExpired, flags[0].Reason)
}
