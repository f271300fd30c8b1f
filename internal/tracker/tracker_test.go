package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/internal/config"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

type fakeStore struct {
	mu          sync.Mutex
	predictions map[string]*models.PredictionRecord
	whales      []models.WhaleAlert
}

func newFakeStore() *fakeStore {
	return &fakeStore{predictions: make(map[string]*models.PredictionRecord)}
}

func (f *fakeStore) InsertPrediction(_ context.Context, rec *models.PredictionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.predictions[rec.CorrelationID] = &cp
	return nil
}

func (f *fakeStore) InsertWhale(_ context.Context, alert *models.WhaleAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whales = append(f.whales, *alert)
	return nil
}

func (f *fakeStore) ResolvePrediction(_ context.Context, id string, status models.PredictionStatus,
	actualBlock *int64, accuracy *float64, resolvedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.predictions[id]
	if !ok || rec.Status != models.StatusPending {
		return false, nil
	}
	rec.Status = status
	rec.ActualConfirmBlock = actualBlock
	rec.Accuracy = accuracy
	rec.ResolvedAt = &resolvedAt
	return true, nil
}

func (f *fakeStore) PendingPredictions(context.Context) ([]models.PredictionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PredictionRecord
	for _, rec := range f.predictions {
		if rec.Status == models.StatusPending {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) CleanupOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, rec := range f.predictions {
		if rec.CreatedAt.Before(cutoff) {
			delete(f.predictions, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeStore) get(id string) models.PredictionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.predictions[id]
}

type fakePresence map[string]bool

func (f fakePresence) Contains(txid string) bool { return f[txid] }

type fakeLookup struct {
	heights map[string]int64
	err     error
}

func (f *fakeLookup) ConfirmationBlock(txid string) (int64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	h, ok := f.heights[txid]
	return h, ok, nil
}

func testTrackerConfig() config.TrackerConfig {
	return config.TrackerConfig{
		RetentionDays:   90,
		DropTimeout:     2 * time.Hour,
		ResolveInterval: time.Second,
		MonitorInterval: 5 * time.Minute,
		WarnThreshold:   0.75,
		CritThreshold:   0.70,
		AlertCooldown:   time.Hour,
	}
}

func TestTrackAssignsCorrelationAndPersists(t *testing.T) {
	store := newFakeStore()
	tr := New(testTrackerConfig(), store, fakePresence{}, &fakeLookup{})

	alert := &models.WhaleAlert{
		WhaleCandidate: models.WhaleCandidate{
			Txid:       "whale-tx",
			BTCValue:   200,
			FlowType:   models.FlowWhaleTransfer,
			DetectedAt: time.Now(),
		},
		UrgencyScore:          0.6,
		PredictedConfirmBlock: 800003,
	}
	require.NoError(t, tr.Track(context.Background(), alert))
	require.NotEmpty(t, alert.CorrelationID)

	rec := store.get(alert.CorrelationID)
	require.Equal(t, models.StatusPending, rec.Status)
	require.Equal(t, "whale-tx", rec.Txid)
	require.False(t, rec.CreatedAt.After(time.Now()))
	require.Len(t, store.whales, 1)
}

func TestResolveConfirmedOnce(t *testing.T) {
	store := newFakeStore()
	tr := New(testTrackerConfig(), store, fakePresence{"whale-tx": true}, &fakeLookup{})

	alert := &models.WhaleAlert{
		WhaleCandidate:        models.WhaleCandidate{Txid: "whale-tx"},
		PredictedConfirmBlock: 800001,
	}
	require.NoError(t, tr.Track(context.Background(), alert))

	tr.OnBlock(&models.BlockEvent{
		Height: 800002,
		Txids:  []string{"other", "whale-tx"},
	})

	tr.resolveSweep(context.Background())
	rec := store.get(alert.CorrelationID)
	require.Equal(t, models.StatusConfirmed, rec.Status)
	require.Equal(t, int64(800002), *rec.ActualConfirmBlock)
	require.InDelta(t, 0.6+0.4*(0.5-1.0/12.0), *rec.Accuracy, 1e-9)

	// A second sweep must not touch the resolved record.
	first := rec
	tr.resolveSweep(context.Background())
	require.Equal(t, first, store.get(alert.CorrelationID))
}

func TestDropAfterTimeout(t *testing.T) {
	store := newFakeStore()
	tr := New(testTrackerConfig(), store, fakePresence{}, &fakeLookup{}) // not in cache

	alert := &models.WhaleAlert{WhaleCandidate: models.WhaleCandidate{Txid: "gone-tx"}}
	require.NoError(t, tr.Track(context.Background(), alert))

	// Fresh prediction: not dropped yet.
	tr.resolveSweep(context.Background())
	require.Equal(t, models.StatusPending, store.get(alert.CorrelationID).Status)

	// Age it past the drop timeout.
	store.mu.Lock()
	store.predictions[alert.CorrelationID].CreatedAt = time.Now().Add(-3 * time.Hour)
	store.mu.Unlock()

	tr.resolveSweep(context.Background())
	require.Equal(t, models.StatusDropped, store.get(alert.CorrelationID).Status)
}

func TestNodeLookupResolvesConfirmationOutsideIndex(t *testing.T) {
	store := newFakeStore()
	// Not in the mempool cache and never seen in an indexed block, but the
	// node knows it confirmed. This is the restart case.
	lookup := &fakeLookup{heights: map[string]int64{"early-tx": 800010}}
	tr := New(testTrackerConfig(), store, fakePresence{}, lookup)

	alert := &models.WhaleAlert{
		WhaleCandidate:        models.WhaleCandidate{Txid: "early-tx"},
		PredictedConfirmBlock: 800010,
	}
	require.NoError(t, tr.Track(context.Background(), alert))
	store.mu.Lock()
	store.predictions[alert.CorrelationID].CreatedAt = time.Now().Add(-3 * time.Hour)
	store.mu.Unlock()

	tr.resolveSweep(context.Background())
	rec := store.get(alert.CorrelationID)
	require.Equal(t, models.StatusConfirmed, rec.Status)
	require.Equal(t, int64(800010), *rec.ActualConfirmBlock)
	require.NotNil(t, rec.Accuracy)
	require.Zero(t, tr.ReplacementUnresolvable())
}

func TestNodeLookupErrorDefersResolution(t *testing.T) {
	store := newFakeStore()
	lookup := &fakeLookup{err: context.DeadlineExceeded}
	tr := New(testTrackerConfig(), store, fakePresence{}, lookup)

	alert := &models.WhaleAlert{WhaleCandidate: models.WhaleCandidate{Txid: "unknown-tx"}}
	require.NoError(t, tr.Track(context.Background(), alert))
	store.mu.Lock()
	store.predictions[alert.CorrelationID].CreatedAt = time.Now().Add(-3 * time.Hour)
	store.mu.Unlock()

	// With the node unreachable the sweep must not guess DROPPED.
	tr.resolveSweep(context.Background())
	require.Equal(t, models.StatusPending, store.get(alert.CorrelationID).Status)

	lookup.err = nil
	tr.resolveSweep(context.Background())
	require.Equal(t, models.StatusDropped, store.get(alert.CorrelationID).Status)
}

func TestRBFDropCountsUnresolvableReplacement(t *testing.T) {
	store := newFakeStore()
	tr := New(testTrackerConfig(), store, fakePresence{}, &fakeLookup{})

	alert := &models.WhaleAlert{
		WhaleCandidate: models.WhaleCandidate{Txid: "rbf-tx"},
		RBFEnabled:     true,
	}
	require.NoError(t, tr.Track(context.Background(), alert))
	store.mu.Lock()
	store.predictions[alert.CorrelationID].CreatedAt = time.Now().Add(-3 * time.Hour)
	store.mu.Unlock()

	tr.resolveSweep(context.Background())
	require.Equal(t, models.StatusDropped, store.get(alert.CorrelationID).Status)
	require.Equal(t, uint64(1), tr.ReplacementUnresolvable())
}

func TestRetentionCleanup(t *testing.T) {
	store := newFakeStore()
	tr := New(testTrackerConfig(), store, fakePresence{}, &fakeLookup{})

	old := &models.WhaleAlert{WhaleCandidate: models.WhaleCandidate{Txid: "ancient"}}
	require.NoError(t, tr.Track(context.Background(), old))
	store.mu.Lock()
	store.predictions[old.CorrelationID].CreatedAt = time.Now().AddDate(0, 0, -120)
	store.mu.Unlock()

	fresh := &models.WhaleAlert{WhaleCandidate: models.WhaleCandidate{Txid: "recent"}}
	require.NoError(t, tr.Track(context.Background(), fresh))

	tr.runCleanup(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotContains(t, store.predictions, old.CorrelationID)
	require.Contains(t, store.predictions, fresh.CorrelationID)
}

func TestBlockIndexPruned(t *testing.T) {
	tr := New(testTrackerConfig(), newFakeStore(), fakePresence{}, &fakeLookup{})

	for h := int64(800000); h < 800050; h++ {
		tr.OnBlock(&models.BlockEvent{Height: h, Txids: []string{"x"}})
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.LessOrEqual(t, len(tr.confirmed), confirmedRetainBlocks+1)
}
