package orchestrator

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/utxoracle/utxoracle-live/internal/aggregator"
	"github.com/utxoracle/utxoracle-live/internal/api"
	"github.com/utxoracle/utxoracle-live/internal/bitcoin"
	"github.com/utxoracle/utxoracle-live/internal/broadcast"
	"github.com/utxoracle/utxoracle-live/internal/cache"
	"github.com/utxoracle/utxoracle-live/internal/classifier"
	"github.com/utxoracle/utxoracle-live/internal/config"
	"github.com/utxoracle/utxoracle-live/internal/db"
	"github.com/utxoracle/utxoracle-live/internal/metrics"
	"github.com/utxoracle/utxoracle-live/internal/tracker"
	"github.com/utxoracle/utxoracle-live/internal/upstream"
	"github.com/utxoracle/utxoracle-live/internal/urgency"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Orchestrator
//
// Owns the pipeline wiring and the single dispatch loop. Mempool and block
// events from the upstream adapters flow through one goroutine, which is
// the only writer over the cache and the only path from candidate to
// broadcast. Price ticks leave the aggregator on their own channel and are
// fanned out here as well, so the tracker's durability rule (persist before
// broadcast) has exactly one enforcement point.

const shutdownGrace = 2 * time.Second

type Orchestrator struct {
	cfg *config.Config

	btc       *bitcoin.Client
	store     *db.PostgresStore
	txCache   *cache.TxCache
	clsCfg    *classifier.Config
	scorer    *urgency.Scorer
	agg       *aggregator.Aggregator
	hub       *broadcast.Hub
	wsServer  *broadcast.Server
	apiServer *api.Server
	track     *tracker.Tracker
	monitor   *tracker.Monitor

	txFeed    *upstream.Adapter[*models.ParsedTransaction]
	blockFeed *upstream.Adapter[*models.BlockEvent]

	latest atomic.Pointer[models.PriceEstimate]

	adapterFatal chan error
	startedAt    time.Time
}

func New(cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, adapterFatal: make(chan error, 2)}

	btc, err := bitcoin.NewClient(bitcoin.Config{
		Host:     cfg.Node.RPCHost,
		User:     cfg.Node.RPCUser,
		Pass:     cfg.Node.RPCPass,
		DataDir:  cfg.Node.DataDir,
		ConfPath: cfg.Node.ConfPath,
	})
	if err != nil {
		return nil, fmt.Errorf("bitcoin client: %w", err)
	}
	o.btc = btc

	store, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		return nil, err
	}
	o.store = store

	clsCfg, err := classifier.NewConfig(cfg.Whale.ThresholdBTC, cfg.Whale.AddressSetPath)
	if err != nil {
		return nil, err
	}
	o.clsCfg = clsCfg

	o.txCache = cache.New(cfg.Whale.CacheMaxSize, func(tx *models.ParsedTransaction) {
		metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	})

	feeMarket := upstream.NewFeeMarket(cfg.FeeMarket.BaseURL, cfg.FeeMarket.RequestTimeout, btc)
	o.scorer = urgency.NewScorer(feeMarket, cfg.FeeMarket.PollInterval, cfg.FeeMarket.StaleMaxAge)

	o.agg = aggregator.New(cfg.Price)
	o.hub = broadcast.NewHub()
	o.wsServer = broadcast.NewServer(cfg.WS, o.hub)
	o.track = tracker.New(cfg.Tracker, store, o.txCache, btc)
	o.monitor = tracker.NewMonitor(cfg.Tracker, store)
	o.apiServer = api.NewServer(cfg.HTTP, store, o, o, o.monitor)

	onFailed := func(name string, err error) {
		o.adapterFatal <- fmt.Errorf("adapter %s failed permanently: %w", name, err)
	}
	thresholdSats := int64(cfg.Whale.ThresholdBTC * 1e8)
	needInputs := func(tx *models.ParsedTransaction) bool {
		for _, out := range tx.Outputs {
			if out.Value >= thresholdSats {
				return true
			}
		}
		return tx.TotalOutputSats >= thresholdSats
	}
	o.txFeed = upstream.NewTxFeed(btc, cfg.Node.PollInterval, needInputs,
		upstream.DefaultBackoff, cfg.Node.BreakerThreshold, onFailed)
	o.blockFeed = upstream.NewBlockFeed(btc, cfg.Node.PollInterval,
		upstream.DefaultBackoff, cfg.Node.BreakerThreshold, onFailed)

	return o, nil
}

// Run starts every component and blocks until ctx is cancelled or a fatal
// failure occurs (adapter breaker trip, server bind failure, hard memory
// limit).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); o.scorer.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); o.agg.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); o.hub.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); o.track.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); o.monitor.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); o.memoryWatchdog(runCtx, fatal) }()

	go func() {
		if err := o.wsServer.Start(); err != nil {
			fatal <- err
		}
	}()
	go func() {
		if err := o.apiServer.Start(); err != nil {
			fatal <- err
		}
	}()

	txEvents := o.txFeed.Start(runCtx)
	blockEvents := o.blockFeed.Start(runCtx)

	wg.Add(1)
	go func() { defer wg.Done(); o.dispatch(runCtx, txEvents, blockEvents) }()
	wg.Add(1)
	go func() { defer wg.Done(); o.consumeTicks(runCtx) }()

	log.Println("[Orchestrator] Pipeline running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		log.Printf("[Orchestrator] Fatal: %v", runErr)
	case runErr = <-o.adapterFatal:
		log.Printf("[Orchestrator] Fatal: %v", runErr)
	}

	cancel()
	o.shutdown(&wg)
	return runErr
}

func (o *Orchestrator) shutdown(wg *sync.WaitGroup) {
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	_ = o.wsServer.Shutdown(shCtx)
	_ = o.apiServer.Shutdown(shCtx)
	o.txFeed.Stop()
	o.blockFeed.Stop()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shCtx.Done():
		log.Println("[Orchestrator] Drain grace expired, exiting with pending work")
	}

	o.store.Close()
	o.btc.Shutdown()
	log.Println("[Orchestrator] Shutdown complete")
}

// dispatch is the single-writer event loop over the cache and the whale
// path.
func (o *Orchestrator) dispatch(ctx context.Context,
	txEvents <-chan *models.ParsedTransaction, blockEvents <-chan *models.BlockEvent) {

	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-txEvents:
			if !ok {
				return
			}
			o.handleTransaction(ctx, tx)
		case ev, ok := <-blockEvents:
			if !ok {
				return
			}
			o.handleBlock(ev)
		}
	}
}

func (o *Orchestrator) handleTransaction(ctx context.Context, tx *models.ParsedTransaction) {
	o.txCache.Insert(tx)
	metrics.TransactionsIngested.Inc()
	metrics.CacheSize.Set(float64(o.txCache.Size()))

	for _, out := range tx.Outputs {
		if out.Value > 0 {
			o.agg.Observe(out.Value, tx.FirstSeenAt)
		}
	}

	cand, isWhale := classifier.Classify(tx, o.clsCfg)
	if !isWhale {
		return
	}

	verdict := o.scorer.Score(tx)
	alert := models.WhaleAlert{
		WhaleCandidate:        cand,
		UrgencyScore:          verdict.UrgencyScore,
		UrgencyLevel:          verdict.UrgencyLevel,
		PredictedConfirmBlock: verdict.PredictedConfirmBlock,
		RBFEnabled:            verdict.RBFEnabled,
		SnapshotStale:         verdict.SnapshotStale,
	}

	// Durability before broadcast: the prediction record must exist before
	// any subscriber can see the alert.
	if err := o.track.Track(ctx, &alert); err != nil {
		log.Printf("[Orchestrator] Prediction persist failed for %s, alert suppressed: %v", alert.Txid, err)
		return
	}
	o.hub.BroadcastWhale(alert)
	metrics.WhaleAlerts.WithLabelValues(string(alert.FlowType)).Inc()
	log.Printf("[Orchestrator] Whale alert %s: %.1f BTC %s urgency=%s predicted=%d",
		alert.Txid[:16], alert.BTCValue, alert.FlowType, alert.UrgencyLevel, alert.PredictedConfirmBlock)
}

func (o *Orchestrator) handleBlock(ev *models.BlockEvent) {
	o.track.OnBlock(ev)
	removed := 0
	for _, txid := range ev.Txids {
		if o.txCache.Remove(txid) != nil {
			removed++
			metrics.CacheEvictions.WithLabelValues("confirmed").Inc()
		}
	}
	metrics.CacheSize.Set(float64(o.txCache.Size()))
	log.Printf("[Orchestrator] Block %d: %d txs, %d cleared from cache", ev.Height, len(ev.Txids), removed)
}

// consumeTicks forwards aggregator output to subscribers and projects it
// into the daily price table.
func (o *Orchestrator) consumeTicks(ctx context.Context) {
	var lastProjection time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case est, ok := <-o.agg.Ticks():
			if !ok {
				return
			}
			o.latest.Store(&est)
			o.hub.BroadcastPrice(est)
			metrics.PriceTicks.Inc()
			metrics.PriceEstimate.Set(est.PriceUSD)
			metrics.PriceConfidence.Set(est.Confidence)
			metrics.Subscribers.Set(float64(o.hub.SubscriberCount()))

			// The daily projection only needs the best tick per day;
			// once a minute is plenty for the keep-best upsert.
			if est.Authoritative() && time.Since(lastProjection) >= time.Minute {
				lastProjection = time.Now()
				o.projectDaily(ctx, est)
			}
		}
	}
}

func (o *Orchestrator) projectDaily(ctx context.Context, est models.PriceEstimate) {
	day := est.WallTime.UTC().Truncate(24 * time.Hour)
	row := &models.DailyPrice{
		Date:           day,
		UTXOraclePrice: est.PriceUSD,
		MempoolPrice:   est.PriceUSD,
		Confidence:     est.Confidence,
		TxCount:        est.SampleSize,
		IsValid:        est.Confidence > 0,
	}
	if err := o.store.UpsertDailyPrice(ctx, row); err != nil {
		log.Printf("[Orchestrator] Daily price projection failed: %v", err)
	}
}

// memoryWatchdog samples heap usage. Soft limit halves the cache and asks
// the aggregator to shrink its window; hard limit is fatal so the process
// supervisor restarts us cleanly.
func (o *Orchestrator) memoryWatchdog(ctx context.Context, fatal chan<- error) {
	ticker := time.NewTicker(o.cfg.Memory.SampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			usedMB := int(ms.HeapAlloc / (1 << 20))

			switch {
			case usedMB >= o.cfg.Memory.HardLimitMB:
				fatal <- fmt.Errorf("heap %d MB exceeds hard limit %d MB", usedMB, o.cfg.Memory.HardLimitMB)
				return
			case usedMB >= o.cfg.Memory.SoftLimitMB:
				log.Printf("[Watchdog] Heap %d MB over soft limit %d MB, shedding state",
					usedMB, o.cfg.Memory.SoftLimitMB)
				o.txCache.Resize(o.txCache.Cap() / 2)
				o.agg.RequestShrink()
			}
		}
	}
}

// LatestPrice implements api.PriceSource.
func (o *Orchestrator) LatestPrice() (models.PriceEstimate, bool) {
	if p := o.latest.Load(); p != nil {
		return *p, true
	}
	return models.PriceEstimate{}, false
}

// Health implements api.HealthSource.
func (o *Orchestrator) Health() map[string]interface{} {
	var components []map[string]interface{}

	start := time.Now()
	tip, err := o.btc.GetBlockCount()
	node := map[string]interface{}{
		"name":      "node_rpc",
		"status":    "healthy",
		"latencyMs": time.Since(start).Milliseconds(),
	}
	if err != nil {
		node["status"] = "unhealthy"
		node["error"] = err.Error()
	}
	components = append(components, node)

	for _, feed := range []interface {
		Name() string
		State() upstream.State
	}{o.txFeed, o.blockFeed} {
		status := "healthy"
		switch feed.State() {
		case upstream.StateFailed:
			status = "unhealthy"
		case upstream.StateReconnecting, upstream.StateDisconnected:
			status = "degraded"
		}
		components = append(components, map[string]interface{}{
			"name":      feed.Name(),
			"status":    status,
			"latencyMs": int64(0),
		})
	}

	feeStatus := "healthy"
	fee := map[string]interface{}{"name": "fee_snapshot", "latencyMs": int64(0)}
	if snap := o.scorer.Snapshot(); snap == nil {
		feeStatus = "degraded"
		fee["error"] = "no snapshot yet"
	} else {
		age := time.Since(snap.TakenAt)
		fee["ageSeconds"] = int(age.Seconds())
		if age > o.cfg.FeeMarket.StaleMaxAge {
			feeStatus = "degraded"
			fee["error"] = "snapshot stale"
		}
	}
	fee["status"] = feeStatus
	components = append(components, fee)

	overall := "healthy"
	for _, comp := range components {
		if comp["status"] != "healthy" {
			overall = "degraded"
		}
	}
	if err != nil {
		// Without the node nothing downstream can make progress.
		overall = "unhealthy"
	}

	return map[string]interface{}{
		"status":                  overall,
		"uptimeSeconds":           int(time.Since(o.startedAt).Seconds()),
		"components":              components,
		"tipHeight":               tip,
		"cacheSize":               o.txCache.Size(),
		"subscribers":             o.hub.SubscriberCount(),
		"droppedBroadcasts":       o.hub.DroppedEvents(),
		"droppedObservations":     o.agg.DroppedObservations(),
		"replacementUnresolvable": o.track.ReplacementUnresolvable(),
	}
}
