package models

import "time"

// TxIn represents a Bitcoin transaction input
type TxIn struct {
	Txid     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Value    int64  `json:"value"` // in Satoshis
	Address  string `json:"address"`
	Sequence uint32 `json:"sequence"` // nSequence: < 0xFFFFFFFE signals RBF (BIP125)
}

// TxOut represents a Bitcoin transaction output
type TxOut struct {
	Value        int64  `json:"value"` // in Satoshis
	Address      string `json:"address"`
	ScriptPubKey string `json:"scriptPubKey,omitempty"`
}

// ParsedTransaction is the pipeline's view of a mempool or block transaction.
// Immutable once inserted into the cache; consumers receive read-only copies
// and must not retain references past the current pipeline step.
type ParsedTransaction struct {
	Txid            string    `json:"txid"`
	FirstSeenAt     time.Time `json:"firstSeenAt"`
	Inputs          []TxIn    `json:"inputs"`
	Outputs         []TxOut   `json:"outputs"`
	TotalOutputSats int64     `json:"totalOutputSats"`
	FeeSats         int64     `json:"feeSats"`
	VsizeVbytes     int       `json:"vsizeVbytes"`
	RBFEnabled      bool      `json:"rbfEnabled"`
	BlockHeight     int64     `json:"blockHeight,omitempty"` // 0 while unconfirmed
}

// FeeRate returns the transaction fee rate in sat/vB, or 0 when the
// virtual size is unknown.
func (tx *ParsedTransaction) FeeRate() float64 {
	if tx.VsizeVbytes <= 0 {
		return 0
	}
	return float64(tx.FeeSats) / float64(tx.VsizeVbytes)
}

// BTCValue returns the total output value denominated in BTC.
func (tx *ParsedTransaction) BTCValue() float64 {
	return float64(tx.TotalOutputSats) / 1e8
}

// HasInputAddresses reports whether prevout resolution populated the
// input side. Without an indexer the feed may leave inputs bare.
func (tx *ParsedTransaction) HasInputAddresses() bool {
	for _, in := range tx.Inputs {
		if in.Address != "" {
			return true
		}
	}
	return false
}

// SignalsRBF applies the BIP125 rule over the raw input sequences.
func SignalsRBF(inputs []TxIn) bool {
	for _, in := range inputs {
		if in.Sequence < 0xFFFFFFFE {
			return true
		}
	}
	return false
}

// BlockEvent is produced by the block feed adapter for each new confirmation.
type BlockEvent struct {
	Height     int64     `json:"height"`
	Hash       string    `json:"hash"`
	Txids      []string  `json:"txids"`
	ReceivedAt time.Time `json:"receivedAt"`
}
