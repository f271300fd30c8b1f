package bitcoin

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

// Client wraps the Bitcoin Core JSON-RPC connection used by the RPC adapter
// and the correlation tracker for historical lookups.
type Client struct {
	RPC    *rpcclient.Client
	Config Config
}

type Config struct {
	Host     string
	User     string
	Pass     string
	DataDir  string
	ConfPath string
}

// NewClient connects to the node, resolving credentials in order: explicit
// config, cookie file under the data directory, then a bitcoin.conf-style
// file.
func NewClient(cfg Config) (*Client, error) {
	user, pass, err := resolveCredentials(cfg)
	if err != nil {
		return nil, err
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // local node without TLS
	}

	log.Printf("[Bitcoin] Connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	// Verify connection
	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Printf("[Bitcoin] Connected to Bitcoin node. Current block height: %d", blockCount)

	return &Client{RPC: client, Config: cfg}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// resolveCredentials implements the explicit → cookie → bitcoin.conf chain.
func resolveCredentials(cfg Config) (string, string, error) {
	if cfg.User != "" && cfg.Pass != "" {
		return cfg.User, cfg.Pass, nil
	}

	dataDir := expandHome(cfg.DataDir)
	cookiePath := filepath.Join(dataDir, ".cookie")
	if raw, err := os.ReadFile(cookiePath); err == nil {
		parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
		if len(parts) == 2 {
			return parts[0], parts[1], nil
		}
	}

	confPath := cfg.ConfPath
	if confPath == "" {
		confPath = filepath.Join(dataDir, "bitcoin.conf")
	}
	if user, pass, ok := readConfCredentials(confPath); ok {
		return user, pass, nil
	}

	return "", "", fmt.Errorf("no RPC credentials: set BTC_RPC_USER/BTC_RPC_PASS or provide a cookie file under %s", dataDir)
}

func readConfCredentials(path string) (string, string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", false
	}
	defer f.Close()

	var user, pass string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "rpcuser="); ok {
			user = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "rpcpassword="); ok {
			pass = strings.TrimSpace(v)
		}
	}
	return user, pass, user != "" && pass != ""
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// --- RPC Wrappers ---

func (c *Client) GetBlockCount() (int64, error) {
	return c.RPC.GetBlockCount()
}

// ConfirmationBlock looks up the confirmed height of a txid via the node.
// Returns found=false when the node has no block for it: still in the
// mempool, evicted, or unknown entirely. Requires txindex for transactions
// outside the wallet.
func (c *Client) ConfirmationBlock(txid string) (int64, bool, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, false, fmt.Errorf("bad txid %q: %w", txid, err)
	}
	tx, err := c.RPC.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return 0, false, nil
		}
		return 0, false, err
	}
	if tx.BlockHash == "" {
		return 0, false, nil
	}
	blockHash, err := chainhash.NewHashFromStr(tx.BlockHash)
	if err != nil {
		return 0, false, err
	}
	block, err := c.RPC.GetBlockVerbose(blockHash)
	if err != nil {
		return 0, false, err
	}
	return block.Height, true, nil
}

// GetRawMempoolVerbose decodes the verbose mempool listing. btcjson's
// GetRawMempoolVerboseResult expects `fee`, while modern Bitcoin Core
// returns `fees.base`; backfill Fee from fees.base so downstream fee-rate
// math stays accurate.
func (c *Client) GetRawMempoolVerbose() (map[string]btcjson.GetRawMempoolVerboseResult, error) {
	rawResp, err := c.RPC.RawRequest("getrawmempool", []json.RawMessage{
		json.RawMessage(`true`),
	})
	if err != nil {
		return nil, err
	}

	verbose := make(map[string]btcjson.GetRawMempoolVerboseResult)
	if err := json.Unmarshal(rawResp, &verbose); err != nil {
		return nil, err
	}

	var modern map[string]struct {
		Fee  float64 `json:"fee"`
		Fees struct {
			Base float64 `json:"base"`
		} `json:"fees"`
	}
	if err := json.Unmarshal(rawResp, &modern); err == nil {
		for txid, entry := range verbose {
			if entry.Fee > 0 {
				continue
			}
			raw := modern[txid]
			switch {
			case raw.Fees.Base > 0:
				entry.Fee = raw.Fees.Base
			case raw.Fee > 0:
				entry.Fee = raw.Fee
			}
			verbose[txid] = entry
		}
	}

	return verbose, nil
}

func (c *Client) GetRawTransaction(txHash *chainhash.Hash) (*btcjson.TxRawResult, error) {
	return c.RPC.GetRawTransactionVerbose(txHash)
}

func (c *Client) GetBlockVerbose(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseResult, error) {
	return c.RPC.GetBlockVerbose(blockHash)
}

func (c *Client) GetBlockHash(blockHeight int64) (*chainhash.Hash, error) {
	return c.RPC.GetBlockHash(blockHeight)
}

// GetMempoolInfo returns the result of the getmempoolinfo RPC call
func (c *Client) GetMempoolInfo() (*btcjson.GetMempoolInfoResult, error) {
	rawResp, err := c.RPC.RawRequest("getmempoolinfo", nil)
	if err != nil {
		return nil, err
	}

	var res btcjson.GetMempoolInfoResult
	if err := json.Unmarshal(rawResp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) estimateSmartFeeByMode(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (float64, error) {
	res, err := c.RPC.EstimateSmartFee(confTarget, mode)
	if err != nil {
		return 0, err
	}
	if res == nil || res.FeeRate == nil {
		return 0, nil
	}
	if !isFinitePositive(*res.FeeRate) {
		return 0, nil
	}
	return *res.FeeRate, nil
}

func (c *Client) getMempoolFeeFloorBTCPerKVb() (float64, error) {
	rawResp, err := c.RPC.RawRequest("getmempoolinfo", nil)
	if err != nil {
		return 0, err
	}

	var mempool struct {
		MempoolMinFee float64 `json:"mempoolminfee"`
		MinRelayTxFee float64 `json:"minrelaytxfee"`
	}
	if err := json.Unmarshal(rawResp, &mempool); err != nil {
		return 0, err
	}

	floor := mempool.MempoolMinFee
	if mempool.MinRelayTxFee > floor {
		floor = mempool.MinRelayTxFee
	}
	if !isFinitePositive(floor) {
		return 0, nil
	}
	return floor, nil
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func BTCPerKVbToSatPerVB(v float64) float64 {
	return v * 100_000
}

// EstimateSmartFee returns a BTC/kvB smart fee estimate with fallback chain:
// CONSERVATIVE -> ECONOMICAL -> mempool floor. Used to refresh the fee
// snapshot from the node when the fee-market feed is stale.
func (c *Client) EstimateSmartFee(confTarget int64) (float64, error) {
	conservative := btcjson.EstimateModeConservative
	if fee, err := c.estimateSmartFeeByMode(confTarget, &conservative); err == nil && fee > 0 {
		return fee, nil
	}

	economical := btcjson.EstimateModeEconomical
	if fee, err := c.estimateSmartFeeByMode(confTarget, &economical); err == nil && fee > 0 {
		return fee, nil
	}

	return c.getMempoolFeeFloorBTCPerKVb()
}

func (c *Client) EstimateSmartFeeSatVB(confTarget int64) (float64, error) {
	feeBTCPerKVb, err := c.EstimateSmartFee(confTarget)
	if err != nil {
		return 0, err
	}
	return BTCPerKVbToSatPerVB(feeBTCPerKVb), nil
}
