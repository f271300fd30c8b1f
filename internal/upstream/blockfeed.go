package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/utxoracle/utxoracle-live/internal/bitcoin"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Block feed adapter
//
// Tracks the chain tip and emits one BlockEvent per newly confirmed block,
// carrying the full txid list so the cache can evict and the tracker can
// resolve predictions. Reorg-shallow by design: only forward progress is
// reported; the tracker re-checks confirmations via RPC when resolving.

func NewBlockFeed(client *bitcoin.Client, pollInterval time.Duration,
	backoff Backoff, breakerThreshold uint32, onFailed func(string, error)) *Adapter[*models.BlockEvent] {

	feed := &blockFeed{client: client, interval: pollInterval}
	return NewAdapter("BlockFeed", feed.session, backoff, breakerThreshold, onFailed)
}

type blockFeed struct {
	client     *bitcoin.Client
	interval   time.Duration
	lastHeight int64
}

func (f *blockFeed) session(ctx context.Context, connected func(), emit func(*models.BlockEvent)) error {
	tip, err := f.client.GetBlockCount()
	if err != nil {
		return fmt.Errorf("%w: tip check: %v", models.ErrSourceUnavailable, err)
	}
	connected()

	if f.lastHeight == 0 {
		// First session: start from the current tip, not from genesis.
		f.lastHeight = tip
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tip, err := f.client.GetBlockCount()
			if err != nil {
				return fmt.Errorf("%w: getblockcount: %v", models.ErrSourceUnavailable, err)
			}
			for h := f.lastHeight + 1; h <= tip; h++ {
				ev, err := f.fetchBlock(h)
				if err != nil {
					return err
				}
				emit(ev)
				f.lastHeight = h
			}
		}
	}
}

func (f *blockFeed) fetchBlock(height int64) (*models.BlockEvent, error) {
	hash, err := f.client.GetBlockHash(height)
	if err != nil {
		return nil, fmt.Errorf("%w: getblockhash %d: %v", models.ErrSourceUnavailable, height, err)
	}
	block, err := f.client.GetBlockVerbose(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: getblock %s: %v", models.ErrSourceUnavailable, hash, err)
	}
	return &models.BlockEvent{
		Height:     height,
		Hash:       hash.String(),
		Txids:      block.Tx,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
