package chain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const DefaultReceiptPollInterval = 2 * time.Second

// TxHandle tracks a submitted transaction until it is mined.
type TxHandle struct {
	hash     common.Hash
	reader   ReceiptReader
	interval time.Duration
}

func NewTxHandle(hash common.Hash, reader ReceiptReader, interval time.Duration) *TxHandle {
	if interval <= 0 {
		interval = DefaultReceiptPollInterval
	}
	return &TxHandle{hash: hash, reader: reader, interval: interval}
}

func (h *TxHandle) Hash() common.Hash { return h.hash }

// Wait blocks until the receipt is available. A reverted receipt is returned
// as-is; callers must inspect Status.
func (h *TxHandle) Wait(ctx context.Context) (*types.Receipt, error) {
	return WaitForReceipt(ctx, h.reader, h.hash, h.interval)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, reader ReceiptReader, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := reader.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
