package upstream

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/utxoracle/utxoracle-live/internal/bitcoin"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Transaction feed adapter
//
// Streams unconfirmed transactions from the node's mempool. Each poll cycle
// diffs the mempool against the seen set and emits newly observed
// transactions as ParsedTransaction events. Duplicates and reordering are
// tolerated; the cache dedups by txid downstream.
//
// The seen set is reset hourly to bound memory; reintroduced txids are
// deduped by the cache.

const seenResetInterval = time.Hour

// NeedInputsFunc decides whether prevout resolution (one extra RPC per
// input) is worth doing for this transaction. The orchestrator gates it to
// whale-sized transactions.
type NeedInputsFunc func(tx *models.ParsedTransaction) bool

// NewTxFeed builds the mempool polling adapter.
func NewTxFeed(client *bitcoin.Client, pollInterval time.Duration, needInputs NeedInputsFunc,
	backoff Backoff, breakerThreshold uint32, onFailed func(string, error)) *Adapter[*models.ParsedTransaction] {

	feed := &txFeed{client: client, interval: pollInterval, needInputs: needInputs}
	adapter := NewAdapter("TxFeed", feed.session, backoff, breakerThreshold, onFailed)
	feed.adapter = adapter
	return adapter
}

type txFeed struct {
	adapter    *Adapter[*models.ParsedTransaction]
	client     *bitcoin.Client
	interval   time.Duration
	needInputs NeedInputsFunc
	seen       map[string]bool
	seenReset  time.Time
}

func (f *txFeed) session(ctx context.Context, connected func(), emit func(*models.ParsedTransaction)) error {
	// Check the node answers before declaring the session up.
	if _, err := f.client.GetBlockCount(); err != nil {
		return fmt.Errorf("%w: mempool check: %v", models.ErrSourceUnavailable, err)
	}
	connected()

	if f.seen == nil {
		f.seen = make(map[string]bool)
		f.seenReset = time.Now()
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(f.seenReset) > seenResetInterval {
				f.seen = make(map[string]bool)
				f.seenReset = time.Now()
			}
			if err := f.pollOnce(ctx, emit); err != nil {
				return err
			}
		}
	}
}

func (f *txFeed) pollOnce(ctx context.Context, emit func(*models.ParsedTransaction)) error {
	verbose, err := f.client.GetRawMempoolVerbose()
	if err != nil {
		return fmt.Errorf("%w: getrawmempool: %v", models.ErrSourceUnavailable, err)
	}

	for txid, entry := range verbose {
		if ctx.Err() != nil {
			return nil
		}
		if f.seen[txid] {
			continue
		}
		f.seen[txid] = true

		tx, err := f.fetchTransaction(txid, &entry)
		if err != nil {
			// Individual fetch failures (evicted between poll and fetch,
			// malformed) are counted and skipped, never fatal.
			f.adapter.CountMalformed()
			continue
		}
		emit(tx)
	}
	return nil
}

func (f *txFeed) fetchTransaction(txid string, entry *btcjson.GetRawMempoolVerboseResult) (*models.ParsedTransaction, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("%w: bad txid %q: %v", models.ErrSourceProtocol, txid, err)
	}
	raw, err := f.client.GetRawTransaction(hash)
	if err != nil {
		return nil, err
	}

	tx := &models.ParsedTransaction{
		Txid:        raw.Txid,
		FirstSeenAt: time.Now().UTC(),
		Inputs:      make([]models.TxIn, len(raw.Vin)),
		Outputs:     make([]models.TxOut, len(raw.Vout)),
		VsizeVbytes: int(raw.Vsize),
		FeeSats:     int64(entry.Fee * 1e8),
	}

	for i, vin := range raw.Vin {
		tx.Inputs[i] = models.TxIn{
			Txid:     vin.Txid,
			Vout:     vin.Vout,
			Sequence: vin.Sequence,
		}
	}
	tx.RBFEnabled = models.SignalsRBF(tx.Inputs)

	var totalOut int64
	for i, vout := range raw.Vout {
		valSats := int64(vout.Value * 1e8)
		var outAddr string
		if len(vout.ScriptPubKey.Addresses) > 0 {
			outAddr = vout.ScriptPubKey.Addresses[0]
		} else if vout.ScriptPubKey.Address != "" {
			outAddr = vout.ScriptPubKey.Address
		}
		tx.Outputs[i] = models.TxOut{
			Value:        valSats,
			Address:      outAddr,
			ScriptPubKey: vout.ScriptPubKey.Hex,
		}
		totalOut += valSats
	}
	tx.TotalOutputSats = totalOut

	if f.needInputs != nil && f.needInputs(tx) {
		f.resolvePrevouts(tx)
	}
	return tx, nil
}

// resolvePrevouts fetches each input's previous transaction to fill in
// value and address. Best effort: a missing prevout leaves the input bare
// and the classifier degrades per InsufficientInputData.
func (f *txFeed) resolvePrevouts(tx *models.ParsedTransaction) {
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if in.Txid == "" { // coinbase
			continue
		}
		prevHash, err := chainhash.NewHashFromStr(in.Txid)
		if err != nil {
			continue
		}
		prevTx, err := f.client.GetRawTransaction(prevHash)
		if err != nil || int(in.Vout) >= len(prevTx.Vout) {
			continue
		}
		prevOut := prevTx.Vout[in.Vout]
		in.Value = int64(prevOut.Value * 1e8)
		if len(prevOut.ScriptPubKey.Addresses) > 0 {
			in.Address = prevOut.ScriptPubKey.Addresses[0]
		} else if prevOut.ScriptPubKey.Address != "" {
			in.Address = prevOut.ScriptPubKey.Address
		}
	}
}

// DecodeTxFrame parses a canonical on-wire transaction frame, as pushed by
// raw-transaction relays. Fees are unknown at this layer (they require
// prevouts); the caller backfills them via RPC when needed.
func DecodeTxFrame(frame []byte) (*models.ParsedTransaction, error) {
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(frame)); err != nil {
		return nil, fmt.Errorf("%w: tx frame decode: %v", models.ErrSourceProtocol, err)
	}

	baseSize := msg.SerializeSizeStripped()
	totalSize := msg.SerializeSize()
	weight := baseSize*3 + totalSize
	vsize := (weight + 3) / 4

	tx := &models.ParsedTransaction{
		Txid:        msg.TxHash().String(),
		FirstSeenAt: time.Now().UTC(),
		Inputs:      make([]models.TxIn, len(msg.TxIn)),
		Outputs:     make([]models.TxOut, len(msg.TxOut)),
		VsizeVbytes: vsize,
	}

	for i, in := range msg.TxIn {
		tx.Inputs[i] = models.TxIn{
			Txid:     in.PreviousOutPoint.Hash.String(),
			Vout:     in.PreviousOutPoint.Index,
			Sequence: in.Sequence,
		}
	}
	tx.RBFEnabled = models.SignalsRBF(tx.Inputs)

	var totalOut int64
	for i, out := range msg.TxOut {
		var addr string
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, &chaincfg.MainNetParams)
		if err == nil && len(addrs) > 0 {
			addr = addrs[0].EncodeAddress()
		}
		tx.Outputs[i] = models.TxOut{
			Value:   out.Value,
			Address: addr,
		}
		totalOut += out.Value
	}
	tx.TotalOutputSats = totalOut

	return tx, nil
}
