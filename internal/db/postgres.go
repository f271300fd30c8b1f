package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// in runtime images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable analytics store: predictions, daily price
// projections, and the whale transaction log. It is effectively
// single-writer (the tracker), so writes go through a retry wrapper rather
// than competing on locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the pgx connection pool.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: ping failed: %v", models.ErrStoreUnavailable, err)
	}

	log.Println("[Store] Connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL. Idempotent.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("%w: schema init: %v", models.ErrStoreUnavailable, err)
	}
	log.Println("[Store] Schema initialized")
	return nil
}

// withRetry runs a write with exponential backoff. The store may be briefly
// unavailable during failover; integrity errors are surfaced immediately.
func withRetry(ctx context.Context, op func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrStoreIntegrity) || ctx.Err() != nil {
			return err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: retries exhausted: %v", models.ErrStoreUnavailable, err)
}

// InsertPrediction persists a new PENDING record. Called synchronously
// before the matching alert is broadcast.
func (s *PostgresStore) InsertPrediction(ctx context.Context, rec *models.PredictionRecord) error {
	sql := `
		INSERT INTO predictions
		(correlation_id, txid, created_at, predicted_confirm_block, urgency_score, rbf_enabled, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, sql,
			rec.CorrelationID, rec.Txid, rec.CreatedAt, rec.PredictedConfirmBlock,
			rec.UrgencyScore, rec.RBFEnabled, rec.Status)
		return err
	})
}

// ResolvePrediction applies a terminal status to a PENDING record. The
// status guard makes resolution at-most-once: a second resolution attempt
// matches zero rows and reports applied=false.
func (s *PostgresStore) ResolvePrediction(ctx context.Context, correlationID string,
	status models.PredictionStatus, actualBlock *int64, accuracy *float64, resolvedAt time.Time) (bool, error) {

	sql := `
		UPDATE predictions
		SET status = $2, resolved_at = $3, actual_confirm_block = $4, accuracy = $5
		WHERE correlation_id = $1 AND status = 'PENDING';
	`
	var applied bool
	err := withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, sql, correlationID, status, resolvedAt, actualBlock, accuracy)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() > 0
		return nil
	})
	return applied, err
}

// PendingPredictions lists every unresolved record for the resolver sweep.
func (s *PostgresStore) PendingPredictions(ctx context.Context) ([]models.PredictionRecord, error) {
	sql := `
		SELECT correlation_id, txid, created_at, predicted_confirm_block,
		       urgency_score, rbf_enabled, status
		FROM predictions WHERE status = 'PENDING'
		ORDER BY created_at;
	`
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []models.PredictionRecord
	for rows.Next() {
		var rec models.PredictionRecord
		if err := rows.Scan(&rec.CorrelationID, &rec.Txid, &rec.CreatedAt,
			&rec.PredictedConfirmBlock, &rec.UrgencyScore, &rec.RBFEnabled, &rec.Status); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", models.ErrStoreIntegrity, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RollingAccuracy averages accuracy over CONFIRMED records resolved in the
// given window. count=0 means no data, not perfect accuracy.
func (s *PostgresStore) RollingAccuracy(ctx context.Context, since time.Time) (avg float64, count int, err error) {
	sql := `
		SELECT COALESCE(AVG(accuracy), 0), COUNT(*)
		FROM predictions
		WHERE status = 'CONFIRMED' AND resolved_at >= $1;
	`
	err = s.pool.QueryRow(ctx, sql, since).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return avg, count, nil
}

// CleanupOlderThan removes predictions past the retention horizon.
func (s *PostgresStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM predictions WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}

// dailyPriceReplaces is the keep-best rule for price_analysis rows: an
// existing row is only replaced by a valid write with confidence at least as
// high as what is stored. The upsert's WHERE clause below implements exactly
// this predicate; keep the two in sync.
func dailyPriceReplaces(incoming, existing models.DailyPrice) bool {
	return incoming.IsValid && incoming.Confidence >= existing.Confidence
}

// UpsertDailyPrice writes one price_analysis row under the keep-best rule.
// Invalid or lower-confidence writes leave the row untouched.
func (s *PostgresStore) UpsertDailyPrice(ctx context.Context, p *models.DailyPrice) error {
	sql := `
		INSERT INTO price_analysis (date, utxoracle_price, mempool_price, confidence, tx_count, is_valid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (date) DO UPDATE SET
			utxoracle_price = EXCLUDED.utxoracle_price,
			mempool_price   = EXCLUDED.mempool_price,
			confidence      = EXCLUDED.confidence,
			tx_count        = EXCLUDED.tx_count,
			is_valid        = EXCLUDED.is_valid,
			updated_at      = NOW()
		WHERE EXCLUDED.is_valid AND EXCLUDED.confidence >= price_analysis.confidence;
	`
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, sql,
			p.Date, p.UTXOraclePrice, p.MempoolPrice, p.Confidence, p.TxCount, p.IsValid)
		return err
	})
}

// HistoricalPrices returns up to days of daily rows, newest first.
func (s *PostgresStore) HistoricalPrices(ctx context.Context, days int) ([]models.DailyPrice, error) {
	sql := `
		SELECT date, utxoracle_price, mempool_price, confidence, tx_count, is_valid
		FROM price_analysis
		WHERE date >= CURRENT_DATE - $1::int
		ORDER BY date DESC;
	`
	rows, err := s.pool.Query(ctx, sql, days)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []models.DailyPrice
	for rows.Next() {
		var p models.DailyPrice
		if err := rows.Scan(&p.Date, &p.UTXOraclePrice, &p.MempoolPrice,
			&p.Confidence, &p.TxCount, &p.IsValid); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", models.ErrStoreIntegrity, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertWhale logs a broadcast whale alert. Re-detections of the same txid
// keep the latest scoring.
func (s *PostgresStore) InsertWhale(ctx context.Context, alert *models.WhaleAlert) error {
	sql := `
		INSERT INTO whale_transactions
		(txid, btc_value, direction, flow_type, exchange, urgency_score, urgency_level,
		 predicted_confirm_block, rbf_enabled, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (txid) DO UPDATE SET
			urgency_score = EXCLUDED.urgency_score,
			urgency_level = EXCLUDED.urgency_level,
			predicted_confirm_block = EXCLUDED.predicted_confirm_block,
			rbf_enabled = EXCLUDED.rbf_enabled;
	`
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, sql,
			alert.Txid, alert.BTCValue, alert.Direction, alert.FlowType,
			nullable(alert.Exchange), alert.UrgencyScore, alert.UrgencyLevel,
			alert.PredictedConfirmBlock, alert.RBFEnabled, alert.DetectedAt)
		return err
	})
}

// WhaleFilter narrows whale queries. Zero values mean no constraint.
type WhaleFilter struct {
	FlowType models.FlowType
	MinBTC   float64
	Since    time.Time
	RBFOnly  bool
	Limit    int
}

// WhaleTransactions lists logged whales, newest first.
func (s *PostgresStore) WhaleTransactions(ctx context.Context, f WhaleFilter) ([]models.WhaleAlert, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	sql := `
		SELECT txid, btc_value, direction, flow_type, COALESCE(exchange, ''),
		       urgency_score, urgency_level, predicted_confirm_block, rbf_enabled, detected_at
		FROM whale_transactions
		WHERE ($1 = '' OR flow_type = $1)
		  AND btc_value >= $2
		  AND detected_at >= $3
		  AND (NOT $4 OR rbf_enabled)
		ORDER BY detected_at DESC
		LIMIT $5;
	`
	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0)
	}
	rows, err := s.pool.Query(ctx, sql, string(f.FlowType), f.MinBTC, since, f.RBFOnly, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	return scanWhales(rows)
}

// WhaleByTxid fetches a single logged whale.
func (s *PostgresStore) WhaleByTxid(ctx context.Context, txid string) (*models.WhaleAlert, error) {
	sql := `
		SELECT txid, btc_value, direction, flow_type, COALESCE(exchange, ''),
		       urgency_score, urgency_level, predicted_confirm_block, rbf_enabled, detected_at
		FROM whale_transactions WHERE txid = $1;
	`
	rows, err := s.pool.Query(ctx, sql, txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	whales, err := scanWhales(rows)
	if err != nil {
		return nil, err
	}
	if len(whales) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &whales[0], nil
}

// WhaleSummary aggregates whale flow over a query window.
type WhaleSummary struct {
	Count       int     `json:"count"`
	TotalBTC    float64 `json:"totalBtc"`
	InflowBTC   float64 `json:"inflowBtc"`
	OutflowBTC  float64 `json:"outflowBtc"`
	HighUrgency int     `json:"highUrgency"`
}

func (s *PostgresStore) WhaleSummary(ctx context.Context, since time.Time) (*WhaleSummary, error) {
	sql := `
		SELECT COUNT(*),
		       COALESCE(SUM(btc_value), 0),
		       COALESCE(SUM(btc_value) FILTER (WHERE direction = 'IN'), 0),
		       COALESCE(SUM(btc_value) FILTER (WHERE direction = 'OUT'), 0),
		       COUNT(*) FILTER (WHERE urgency_level = 'HIGH')
		FROM whale_transactions
		WHERE detected_at >= $1;
	`
	var sum WhaleSummary
	err := s.pool.QueryRow(ctx, sql, since).Scan(&sum.Count, &sum.TotalBTC, &sum.InflowBTC, &sum.OutflowBTC, &sum.HighUrgency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return &sum, nil
}

func scanWhales(rows pgx.Rows) ([]models.WhaleAlert, error) {
	var out []models.WhaleAlert
	for rows.Next() {
		var a models.WhaleAlert
		if err := rows.Scan(&a.Txid, &a.BTCValue, &a.Direction, &a.FlowType, &a.Exchange,
			&a.UrgencyScore, &a.UrgencyLevel, &a.PredictedConfirmBlock, &a.RBFEnabled, &a.DetectedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", models.ErrStoreIntegrity, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
