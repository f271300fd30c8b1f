package models

import "time"

// FlowDirection classifies which way value is moving relative to exchanges.
type FlowDirection string

const (
	DirectionIn      FlowDirection = "IN"
	DirectionOut     FlowDirection = "OUT"
	DirectionNeutral FlowDirection = "NEUTRAL"
)

// FlowType is the classifier's best guess at what kind of transfer this is.
type FlowType string

const (
	FlowExchangeInflow  FlowType = "EXCHANGE_INFLOW"
	FlowExchangeOutflow FlowType = "EXCHANGE_OUTFLOW"
	FlowWhaleTransfer   FlowType = "WHALE_TRANSFER"
	FlowUnknown         FlowType = "UNKNOWN"
)

// UrgencyLevel buckets the continuous urgency score for display.
type UrgencyLevel string

const (
	UrgencyLow    UrgencyLevel = "LOW"
	UrgencyMedium UrgencyLevel = "MEDIUM"
	UrgencyHigh   UrgencyLevel = "HIGH"
)

// WhaleCandidate is the classifier's output. It references the cached
// transaction by txid only; the cache remains the owner.
type WhaleCandidate struct {
	Txid       string        `json:"txid"`
	BTCValue   float64       `json:"btcValue"`
	Direction  FlowDirection `json:"direction"`
	FlowType   FlowType      `json:"flowType"`
	Exchange   string        `json:"exchange,omitempty"` // labelled counterparty, when matched
	DetectedAt time.Time     `json:"detectedAt"`
}

// WhaleAlert is a candidate enriched by the urgency scorer. Every alert has
// a durable PredictionRecord persisted before it reaches any subscriber.
type WhaleAlert struct {
	WhaleCandidate
	CorrelationID         string       `json:"correlationId"`
	UrgencyScore          float64      `json:"urgencyScore"`
	UrgencyLevel          UrgencyLevel `json:"urgencyLevel"`
	PredictedConfirmBlock int64        `json:"predictedConfirmBlock"`
	RBFEnabled            bool         `json:"rbfEnabled"`
	SnapshotStale         bool         `json:"snapshotStale,omitempty"`
}

// PriceEstimate is a single tick emitted by the aggregator.
type PriceEstimate struct {
	TickID          uint64    `json:"tickId"`
	WallTime        time.Time `json:"wallTime"`
	PriceUSD        float64   `json:"priceUsd"`
	Confidence      float64   `json:"confidence"`
	SampleSize      int       `json:"sampleSize"`
	HistogramDigest string    `json:"histogramDigest"`
}

// Authoritative reports whether downstream consumers should treat the tick
// as a usable price. Zero-confidence ticks may still be forwarded but are
// marked non-authoritative.
func (p PriceEstimate) Authoritative() bool {
	return p.Confidence > 0
}

// FeeSnapshot captures the fee market at one refresh. Swapped atomically by
// the scorer's single refresh task; readers always see a complete snapshot.
type FeeSnapshot struct {
	Percentiles  [9]float64 `json:"percentiles"` // p10..p90 in sat/vB
	MempoolBytes int64      `json:"mempoolBytes"`
	TipHeight    int64      `json:"tipHeight"`
	TakenAt      time.Time  `json:"takenAt"`
}

// PredictionStatus is the lifecycle state of a tracked prediction.
// Transitions from PENDING are terminal.
type PredictionStatus string

const (
	StatusPending   PredictionStatus = "PENDING"
	StatusConfirmed PredictionStatus = "CONFIRMED"
	StatusDropped   PredictionStatus = "DROPPED"
	StatusReplaced  PredictionStatus = "REPLACED"
)

// PredictionRecord is the tracker's durable view of an emitted whale alert.
type PredictionRecord struct {
	CorrelationID         string           `json:"correlationId"`
	Txid                  string           `json:"txid"`
	CreatedAt             time.Time        `json:"createdAt"`
	PredictedConfirmBlock int64            `json:"predictedConfirmBlock"`
	UrgencyScore          float64          `json:"urgencyScore"`
	RBFEnabled            bool             `json:"rbfEnabled"`
	Status                PredictionStatus `json:"status"`
	ResolvedAt            *time.Time       `json:"resolvedAt,omitempty"`
	ActualConfirmBlock    *int64           `json:"actualConfirmBlock,omitempty"`
	Accuracy              *float64         `json:"accuracy,omitempty"` // defined only when CONFIRMED
}

// DailyPrice is one row of the price_analysis projection.
type DailyPrice struct {
	Date           time.Time `json:"date"`
	UTXOraclePrice float64   `json:"utxoraclePrice"`
	MempoolPrice   float64   `json:"mempoolPrice"`
	Confidence     float64   `json:"confidence"`
	TxCount        int       `json:"txCount"`
	IsValid        bool      `json:"isValid"`
}
