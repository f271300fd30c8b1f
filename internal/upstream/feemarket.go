package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/utxoracle/utxoracle-live/internal/bitcoin"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Fee-market feed
//
// Pulls the public fee-market endpoints (recommended fees, mempool summary,
// tip height) every refresh and assembles a FeeSnapshot for the urgency
// scorer. Calls run behind a circuit breaker; when the breaker is open or
// the HTTP source fails, the node's own estimatesmartfee fallback chain
// keeps snapshots flowing.

type FeeMarket struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	rpc     *bitcoin.Client // fallback source, may be nil
}

func NewFeeMarket(baseURL string, requestTimeout time.Duration, rpc *bitcoin.Client) *FeeMarket {
	settings := gobreaker.Settings{
		Name:     "fee-market",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &FeeMarket{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		rpc:     rpc,
	}
}

type recommendedFees struct {
	FastestFee  float64 `json:"fastestFee"`
	HalfHourFee float64 `json:"halfHourFee"`
	HourFee     float64 `json:"hourFee"`
	EconomyFee  float64 `json:"economyFee"`
	MinimumFee  float64 `json:"minimumFee"`
}

type mempoolSummary struct {
	Count int64 `json:"count"`
	Vsize int64 `json:"vsize"`
}

// FeeSnapshot implements urgency.SnapshotSource.
func (f *FeeMarket) FeeSnapshot(ctx context.Context) (*models.FeeSnapshot, error) {
	snap, err := f.fetchHTTP(ctx)
	if err == nil {
		return snap, nil
	}
	if f.rpc == nil {
		return nil, err
	}
	log.Printf("[FeeMarket] HTTP feed unavailable, falling back to node estimates: %v", err)
	return f.fetchFromNode()
}

func (f *FeeMarket) fetchHTTP(ctx context.Context) (*models.FeeSnapshot, error) {
	result, err := f.breaker.Execute(func() (interface{}, error) {
		var fees recommendedFees
		if err := f.getJSON(ctx, "/v1/fees/recommended", &fees); err != nil {
			return nil, err
		}
		var mem mempoolSummary
		if err := f.getJSON(ctx, "/mempool", &mem); err != nil {
			return nil, err
		}
		var tip int64
		if err := f.getJSON(ctx, "/blocks/tip/height", &tip); err != nil {
			return nil, err
		}
		return &models.FeeSnapshot{
			Percentiles:  percentilesFromRecommended(fees),
			MempoolBytes: mem.Vsize,
			TipHeight:    tip,
			TakenAt:      time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceUnavailable, err)
	}
	return result.(*models.FeeSnapshot), nil
}

func (f *FeeMarket) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fee endpoint %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// percentilesFromRecommended maps the five recommended-fee tiers onto the
// p10..p90 grid. Anchors: minimum→p10, economy→p25, hour→p50, halfHour→p75,
// fastest→p90; intermediate ticks are linearly interpolated.
func percentilesFromRecommended(fees recommendedFees) [9]float64 {
	anchor := func(p float64) float64 {
		switch {
		case p <= 10:
			return fees.MinimumFee
		case p <= 25:
			return lerp(fees.MinimumFee, fees.EconomyFee, (p-10)/15)
		case p <= 50:
			return lerp(fees.EconomyFee, fees.HourFee, (p-25)/25)
		case p <= 75:
			return lerp(fees.HourFee, fees.HalfHourFee, (p-50)/25)
		default:
			return lerp(fees.HalfHourFee, fees.FastestFee, (p-75)/15)
		}
	}
	var out [9]float64
	for i := 0; i < 9; i++ {
		out[i] = anchor(float64(10 + 10*i))
	}
	return out
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

// fetchFromNode assembles a snapshot from estimatesmartfee targets plus
// getmempoolinfo, the same fallback chain the node client uses.
func (f *FeeMarket) fetchFromNode() (*models.FeeSnapshot, error) {
	tip, err := f.rpc.GetBlockCount()
	if err != nil {
		return nil, fmt.Errorf("%w: tip: %v", models.ErrSourceUnavailable, err)
	}

	// Conf targets approximate the percentile grid: next-block demand sits
	// at the top of the distribution, 24-block demand near the bottom.
	targets := []int64{25, 18, 12, 8, 6, 4, 3, 2, 1}
	var out [9]float64
	for i, target := range targets {
		rate, err := f.rpc.EstimateSmartFeeSatVB(target)
		if err != nil || rate <= 0 {
			rate = 1
		}
		out[i] = rate
	}
	// Enforce monotonicity; estimates for adjacent targets can cross.
	for i := 1; i < 9; i++ {
		if out[i] < out[i-1] {
			out[i] = out[i-1]
		}
	}

	var mempoolBytes int64
	if info, err := f.rpc.GetMempoolInfo(); err == nil {
		mempoolBytes = info.Bytes
	}

	return &models.FeeSnapshot{
		Percentiles:  out,
		MempoolBytes: mempoolBytes,
		TipHeight:    tip,
		TakenAt:      time.Now().UTC(),
	}, nil
}
