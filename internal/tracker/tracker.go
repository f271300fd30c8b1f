package tracker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/utxoracle/utxoracle-live/internal/config"
	"github.com/utxoracle/utxoracle-live/internal/metrics"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Correlation Tracker
//
// Owns the prediction lifecycle: every whale alert is persisted as a
// PENDING PredictionRecord before it is broadcast, then a background sweep
// resolves records against confirmed blocks and the mempool cache.
// Transitions from PENDING are at-most-once, enforced by the store's status
// guard.

// confirmedRetainBlocks bounds the in-memory txid index of recent blocks.
const confirmedRetainBlocks = 24

// Store is the durable side of the tracker.
type Store interface {
	InsertPrediction(ctx context.Context, rec *models.PredictionRecord) error
	InsertWhale(ctx context.Context, alert *models.WhaleAlert) error
	ResolvePrediction(ctx context.Context, correlationID string, status models.PredictionStatus,
		actualBlock *int64, accuracy *float64, resolvedAt time.Time) (bool, error)
	PendingPredictions(ctx context.Context) ([]models.PredictionRecord, error)
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxPresence is the cache view the resolver needs.
type TxPresence interface {
	Contains(txid string) bool
}

// TxLookup asks the node for a txid's confirmed height. The in-memory block
// index only covers recent blocks seen this run, so before a prediction is
// declared dropped the node gets the final word: a confirmation that landed
// before startup or past the index horizon must not be mis-resolved.
type TxLookup interface {
	ConfirmationBlock(txid string) (height int64, found bool, err error)
}

type Tracker struct {
	cfg    config.TrackerConfig
	store  Store
	cache  TxPresence
	lookup TxLookup

	mu        sync.Mutex
	confirmed map[int64]map[string]struct{} // height -> txids
	tipHeight int64

	// Predictions that vanished while RBF-enabled would resolve as
	// REPLACED with an input indexer; without one they are downgraded to
	// DROPPED and counted here.
	replacementUnresolvable atomic.Uint64
}

func New(cfg config.TrackerConfig, store Store, cache TxPresence, lookup TxLookup) *Tracker {
	return &Tracker{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		lookup:    lookup,
		confirmed: make(map[int64]map[string]struct{}),
	}
}

// Track persists the prediction for an outgoing alert. Must complete before
// the alert reaches any subscriber; an error here suppresses the broadcast.
func (t *Tracker) Track(ctx context.Context, alert *models.WhaleAlert) error {
	if alert.CorrelationID == "" {
		alert.CorrelationID = uuid.NewString()
	}
	rec := &models.PredictionRecord{
		CorrelationID:         alert.CorrelationID,
		Txid:                  alert.Txid,
		CreatedAt:             time.Now().UTC(),
		PredictedConfirmBlock: alert.PredictedConfirmBlock,
		UrgencyScore:          alert.UrgencyScore,
		RBFEnabled:            alert.RBFEnabled,
		Status:                models.StatusPending,
	}
	if err := t.store.InsertPrediction(ctx, rec); err != nil {
		return err
	}
	if err := t.store.InsertWhale(ctx, alert); err != nil {
		// The prediction is durable; the analytics row is best effort.
		log.Printf("[Tracker] Whale log insert failed for %s: %v", alert.Txid, err)
	}
	return nil
}

// OnBlock indexes a confirmed block's txids for resolution.
func (t *Tracker) OnBlock(ev *models.BlockEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := make(map[string]struct{}, len(ev.Txids))
	for _, txid := range ev.Txids {
		set[txid] = struct{}{}
	}
	t.confirmed[ev.Height] = set
	if ev.Height > t.tipHeight {
		t.tipHeight = ev.Height
	}
	for h := range t.confirmed {
		if h < t.tipHeight-confirmedRetainBlocks {
			delete(t.confirmed, h)
		}
	}
}

func (t *Tracker) confirmedHeight(txid string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, set := range t.confirmed {
		if _, ok := set[txid]; ok {
			return h, true
		}
	}
	return 0, false
}

// ReplacementUnresolvable reports RBF predictions downgraded to DROPPED.
func (t *Tracker) ReplacementUnresolvable() uint64 { return t.replacementUnresolvable.Load() }

// Run drives the resolver sweep and the daily retention cleanup.
func (t *Tracker) Run(ctx context.Context) {
	resolve := time.NewTicker(t.cfg.ResolveInterval)
	defer resolve.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	log.Printf("[Tracker] Started: resolve=%s retention=%dd dropTimeout=%s",
		t.cfg.ResolveInterval, t.cfg.RetentionDays, t.cfg.DropTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-resolve.C:
			t.resolveSweep(ctx)
		case <-cleanup.C:
			t.runCleanup(ctx)
		}
	}
}

func (t *Tracker) resolveSweep(ctx context.Context) {
	pending, err := t.store.PendingPredictions(ctx)
	if err != nil {
		log.Printf("[Tracker] Pending query failed: %v", err)
		return
	}
	now := time.Now().UTC()

	for i := range pending {
		rec := &pending[i]
		if h, ok := t.confirmedHeight(rec.Txid); ok {
			acc := Accuracy(rec.PredictedConfirmBlock, h)
			applied, err := t.store.ResolvePrediction(ctx, rec.CorrelationID,
				models.StatusConfirmed, &h, &acc, now)
			if err != nil {
				log.Printf("[Tracker] Resolve CONFIRMED failed for %s: %v", rec.CorrelationID, err)
			} else if applied {
				metrics.PredictionOutcomes.WithLabelValues(string(models.StatusConfirmed)).Inc()
				log.Printf("[Tracker] %s CONFIRMED at height %d (predicted %d, accuracy %.3f)",
					rec.Txid, h, rec.PredictedConfirmBlock, acc)
			}
			continue
		}

		if !t.cache.Contains(rec.Txid) && now.Sub(rec.CreatedAt) >= t.cfg.DropTimeout {
			// Absence from the cache is not proof of a drop: the tx may have
			// confirmed before startup or outside the indexed block range.
			if t.lookup != nil {
				h, found, err := t.lookup.ConfirmationBlock(rec.Txid)
				if err != nil {
					// Node unreachable; defer to the next sweep rather than
					// guess an outcome.
					log.Printf("[Tracker] Node lookup failed for %s, deferring: %v", rec.Txid, err)
					continue
				}
				if found {
					acc := Accuracy(rec.PredictedConfirmBlock, h)
					applied, err := t.store.ResolvePrediction(ctx, rec.CorrelationID,
						models.StatusConfirmed, &h, &acc, now)
					if err != nil {
						log.Printf("[Tracker] Resolve CONFIRMED failed for %s: %v", rec.CorrelationID, err)
					} else if applied {
						metrics.PredictionOutcomes.WithLabelValues(string(models.StatusConfirmed)).Inc()
						log.Printf("[Tracker] %s CONFIRMED at height %d via node lookup (predicted %d, accuracy %.3f)",
							rec.Txid, h, rec.PredictedConfirmBlock, acc)
					}
					continue
				}
			}
			if rec.RBFEnabled {
				t.replacementUnresolvable.Add(1)
			}
			applied, err := t.store.ResolvePrediction(ctx, rec.CorrelationID,
				models.StatusDropped, nil, nil, now)
			if err != nil {
				log.Printf("[Tracker] Resolve DROPPED failed for %s: %v", rec.CorrelationID, err)
			} else if applied {
				metrics.PredictionOutcomes.WithLabelValues(string(models.StatusDropped)).Inc()
				log.Printf("[Tracker] %s DROPPED after %s out of mempool", rec.Txid, t.cfg.DropTimeout)
			}
		}
	}
}

func (t *Tracker) runCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -t.cfg.RetentionDays)
	removed, err := t.store.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("[Tracker] Retention cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("[Tracker] Retention cleanup removed %d predictions older than %s", removed, cutoff.Format("2006-01-02"))
	}
}
