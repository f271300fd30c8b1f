package urgency

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Urgency Scorer
//
// Positions a transaction's fee rate inside the current mempool fee
// distribution and converts that position into an urgency score plus a
// confirmation-horizon prediction. The fee distribution comes from a
// FeeSnapshot refreshed by a single background task; readers see the
// snapshot through a lock-free atomic pointer swap.

// SnapshotSource supplies fresh fee snapshots; implemented by the
// fee-market adapter with an RPC fallback.
type SnapshotSource interface {
	FeeSnapshot(ctx context.Context) (*models.FeeSnapshot, error)
}

// Result is the scorer's verdict for one transaction.
type Result struct {
	UrgencyScore          float64
	UrgencyLevel          models.UrgencyLevel
	PredictedConfirmBlock int64
	RBFEnabled            bool
	SnapshotStale         bool
}

type Scorer struct {
	source       SnapshotSource
	interval     time.Duration
	staleMaxAge  time.Duration
	snapshot     atomic.Pointer[models.FeeSnapshot]
}

func NewScorer(source SnapshotSource, interval, staleMaxAge time.Duration) *Scorer {
	return &Scorer{
		source:      source,
		interval:    interval,
		staleMaxAge: staleMaxAge,
	}
}

// Seed installs an initial snapshot, used at startup and in tests.
func (s *Scorer) Seed(snap *models.FeeSnapshot) {
	s.snapshot.Store(snap)
}

// Snapshot returns the latest snapshot, which may be nil before the first
// successful refresh.
func (s *Scorer) Snapshot() *models.FeeSnapshot {
	return s.snapshot.Load()
}

// Run is the single refresh task. On poll failure the previous snapshot is
// kept and its age logged; scoring degrades once the age passes staleMaxAge.
func (s *Scorer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Scorer) refresh(ctx context.Context) {
	snap, err := s.source.FeeSnapshot(ctx)
	if err != nil {
		age := time.Duration(0)
		if prev := s.snapshot.Load(); prev != nil {
			age = time.Since(prev.TakenAt)
		}
		log.Printf("[UrgencyScorer] Fee snapshot refresh failed (last snapshot age %s): %v", age, err)
		return
	}
	s.snapshot.Store(snap)
}

// Score evaluates a transaction against the current snapshot. Pure given
// the snapshot. With no snapshot at all, or one older than staleMaxAge,
// every score degrades to MEDIUM with the stale flag set.
func (s *Scorer) Score(tx *models.ParsedTransaction) Result {
	snap := s.snapshot.Load()
	if snap == nil || time.Since(snap.TakenAt) > s.staleMaxAge {
		var tip int64
		if snap != nil {
			tip = snap.TipHeight
		}
		return Result{
			UrgencyScore:          0.5,
			UrgencyLevel:          models.UrgencyMedium,
			PredictedConfirmBlock: tip + 3,
			RBFEnabled:            tx.RBFEnabled,
			SnapshotStale:         true,
		}
	}
	return ScoreWithSnapshot(tx, snap)
}

// ScoreWithSnapshot is the pure scoring core: same snapshot and transaction
// always yield the same result.
func ScoreWithSnapshot(tx *models.ParsedTransaction, snap *models.FeeSnapshot) Result {
	p := PercentileOf(tx.FeeRate(), snap)
	score := ScoreFromPercentile(p)

	var blocksAhead int64
	switch {
	case score >= 0.75:
		blocksAhead = 1
	case score >= 0.5:
		blocksAhead = 3
	default:
		blocksAhead = 6
	}

	return Result{
		UrgencyScore:          score,
		UrgencyLevel:          LevelFor(score),
		PredictedConfirmBlock: snap.TipHeight + blocksAhead,
		RBFEnabled:            tx.RBFEnabled,
	}
}

// PercentileOf locates feeRate inside the snapshot's p10..p90 table via
// linear interpolation, extrapolating linearly below p10 and saturating at
// p100 above p90.
func PercentileOf(feeRate float64, snap *models.FeeSnapshot) float64 {
	ticks := snap.Percentiles
	if feeRate <= 0 {
		return 0
	}
	if feeRate <= ticks[0] {
		if ticks[0] <= 0 {
			return 10
		}
		return 10 * feeRate / ticks[0]
	}
	for i := 0; i < 8; i++ {
		lo, hi := ticks[i], ticks[i+1]
		if feeRate <= hi {
			if hi <= lo {
				return float64(10 + 10*(i+1))
			}
			frac := (feeRate - lo) / (hi - lo)
			return float64(10+10*i) + 10*frac
		}
	}
	// Beyond p90: stretch toward p100 at twice the p90 rate.
	top := ticks[8]
	if top <= 0 {
		return 90
	}
	p := 90 + 10*(feeRate-top)/top
	if p > 100 {
		p = 100
	}
	return p
}

// ScoreFromPercentile is the piecewise-linear percentile-to-urgency map.
func ScoreFromPercentile(p float64) float64 {
	segment := func(p, pLo, pHi, sLo, sHi float64) float64 {
		return sLo + (p-pLo)/(pHi-pLo)*(sHi-sLo)
	}
	switch {
	case p <= 10:
		return segment(p, 0, 10, 0.0, 0.2)
	case p <= 25:
		return segment(p, 10, 25, 0.2, 0.4)
	case p <= 50:
		return segment(p, 25, 50, 0.4, 0.6)
	case p <= 75:
		return segment(p, 50, 75, 0.6, 0.8)
	case p <= 90:
		return segment(p, 75, 90, 0.8, 0.95)
	default:
		if p > 100 {
			p = 100
		}
		return segment(p, 90, 100, 0.95, 1.0)
	}
}

// LevelFor buckets a score into LOW / MEDIUM / HIGH.
func LevelFor(score float64) models.UrgencyLevel {
	switch {
	case score < 0.4:
		return models.UrgencyLow
	case score < 0.7:
		return models.UrgencyMedium
	default:
		return models.UrgencyHigh
	}
}
