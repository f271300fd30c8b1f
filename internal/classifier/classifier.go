package classifier

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Whale Flow Classifier
//
// Identifies transfers large enough to move the market and labels which way
// the value is flowing relative to known exchange custody:
//   EXCHANGE_INFLOW  — value landing on a labelled exchange deposit address
//   EXCHANGE_OUTFLOW — value leaving a labelled exchange hot wallet
//   WHALE_TRANSFER   — large transfer between unlabelled wallets
//
// Major exchanges have identifiable on-chain address clusters; the bundled
// prefix set covers the hot wallets that dominate flow volume. Operators
// extend it with a labelled address file (up to ~10^5 entries).

// Config parameterises classification. Loaded once at startup; immutable
// and shared read-only across the pipeline.
type Config struct {
	ThresholdBTC float64
	// exact address -> exchange label
	exchangeAddrs map[string]string
}

// Known exchange hot-wallet address prefixes. A representative seed set;
// the address file extends it with exact matches.
var knownExchangePrefixes = map[string]string{
	"bc1qm34lsc65zpw79lxes69zkqm": "Binance",
	"1NDyJtNTjmwk5xPNhjgAMu4HDH":  "Binance",
	"3JZq4atUahhuA9rLhXLMhhTo133": "Binance",
	"3Cbq7aT1tY8kMxWLbitaG7yT6bP": "Coinbase",
	"3CD1QW6fjgTwKq3Pj97nty28WZA": "Coinbase",
	"bc1qxy2kgdygjrsqtzq2n0yrf24": "Coinbase",
	"3FHNBLobJnbCTFTVakh5TXlt":    "Bitfinex",
	"bc1qgdjqv0av3q56jvd82tk":     "Bitfinex",
	"3AfBdeS2QYHSM3PQ9bfXuUbJPMi": "Kraken",
	"bc1qxp3x5mqr6t5mhqkze3vj":    "Kraken",
}

// NewConfig builds a classifier config. addressFile is optional; when set it
// must contain JSON of the form {"exchange": {"Binance": ["bc1q...", ...]}}.
func NewConfig(thresholdBTC float64, addressFile string) (*Config, error) {
	cfg := &Config{
		ThresholdBTC:  thresholdBTC,
		exchangeAddrs: make(map[string]string),
	}
	if addressFile == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(addressFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading address file: %v", models.ErrConfig, err)
	}
	var parsed struct {
		Exchange map[string][]string `json:"exchange"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parsing address file: %v", models.ErrConfig, err)
	}
	skipped := 0
	for label, addrs := range parsed.Exchange {
		for _, addr := range addrs {
			if _, err := btcutil.DecodeAddress(addr, &chaincfg.MainNetParams); err != nil {
				skipped++
				continue
			}
			cfg.exchangeAddrs[addr] = label
		}
	}
	if skipped > 0 {
		log.Printf("[Classifier] Skipped %d undecodable addresses from %s", skipped, addressFile)
	}
	return cfg, nil
}

// lookupExchange returns the exchange label for an address, checking exact
// matches from the address file first, then the bundled prefix set.
func (c *Config) lookupExchange(addr string) (string, bool) {
	if addr == "" {
		return "", false
	}
	if label, ok := c.exchangeAddrs[addr]; ok {
		return label, true
	}
	for prefix, label := range knownExchangePrefixes {
		if strings.HasPrefix(addr, prefix) {
			return label, true
		}
	}
	return "", false
}

// Classify is a pure function of the transaction and config. It returns the
// candidate and true when the transaction qualifies as a whale.
//
// A transaction qualifies when any single output exceeds the threshold OR
// the sum of outputs landing on labelled exchange addresses exceeds it.
// When inputs would be needed for outflow detection but are unresolved the
// classification degrades to WHALE_TRANSFER rather than failing.
func Classify(tx *models.ParsedTransaction, cfg *Config) (models.WhaleCandidate, bool) {
	thresholdSats := int64(cfg.ThresholdBTC * 1e8)

	var maxOutput int64
	var inflowSats int64
	var inflowExchange string
	for _, out := range tx.Outputs {
		if out.Value > maxOutput {
			maxOutput = out.Value
		}
		if label, ok := cfg.lookupExchange(out.Address); ok {
			inflowSats += out.Value
			inflowExchange = label
		}
	}

	if maxOutput < thresholdSats && inflowSats < thresholdSats {
		return models.WhaleCandidate{}, false
	}

	var outflowSats int64
	var outflowExchange string
	inputsResolved := tx.HasInputAddresses()
	if inputsResolved {
		for _, in := range tx.Inputs {
			if label, ok := cfg.lookupExchange(in.Address); ok {
				outflowSats += in.Value
				outflowExchange = label
			}
		}
	}

	cand := models.WhaleCandidate{
		Txid:       tx.Txid,
		BTCValue:   tx.BTCValue(),
		DetectedAt: time.Now().UTC(),
	}

	// Mixed transactions touching exchanges on both sides break the tie by
	// total sats; an exact tie is NEUTRAL.
	switch {
	case inflowSats > 0 && outflowSats > 0:
		switch {
		case inflowSats > outflowSats:
			cand.Direction = models.DirectionIn
			cand.FlowType = models.FlowExchangeInflow
			cand.Exchange = inflowExchange
		case outflowSats > inflowSats:
			cand.Direction = models.DirectionOut
			cand.FlowType = models.FlowExchangeOutflow
			cand.Exchange = outflowExchange
		default:
			cand.Direction = models.DirectionNeutral
			cand.FlowType = models.FlowUnknown
		}
	case inflowSats > 0:
		cand.Direction = models.DirectionIn
		cand.FlowType = models.FlowExchangeInflow
		cand.Exchange = inflowExchange
	case outflowSats > 0:
		cand.Direction = models.DirectionOut
		cand.FlowType = models.FlowExchangeOutflow
		cand.Exchange = outflowExchange
	default:
		// No exchange involvement, or inputs unresolvable. Either way the
		// large transfer itself is the signal.
		cand.Direction = models.DirectionNeutral
		cand.FlowType = models.FlowWhaleTransfer
	}

	return cand, true
}

// IsKnownExchangeAddress checks an address against the labelled sets.
func (c *Config) IsKnownExchangeAddress(addr string) (string, bool) {
	return c.lookupExchange(addr)
}
