// Package fallback builds the locally constructed payload offered when the
// external builder does not honor the commitments of a slot.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
)

// ErrNoTransactions is returned when a block carries no committed transactions.
var ErrNoTransactions = errors.New("no committed transactions to build with")

// BuildRequest describes the fallback payload to build.
type BuildRequest struct {
	Slot             phase0.Slot
	ParentBeaconRoot phase0.Root
	Transactions     []*types.Transaction
}

// Payload is an assembled execution payload and the value it pays.
type Payload struct {
	ExecutionPayload json.RawMessage
	BlockHash        common.Hash
	BlockValue       *uint256.Int
}

// PayloadAssembler turns committed transactions into an execution payload.
type PayloadAssembler interface {
	Assemble(ctx context.Context, req *BuildRequest) (*Payload, error)
}

// CachedPayload is the most recently built fallback payload.
type CachedPayload struct {
	Slot             phase0.Slot     `json:"slot"`
	ExecutionPayload json.RawMessage `json:"execution_payload"`
	BlockHash        common.Hash     `json:"block_hash"`
	BidValue         *uint256.Int    `json:"bid_value"`
}

// Builder builds fallback payloads and keeps the latest one. It is owned by
// the event loop and is not safe for concurrent use.
type Builder struct {
	assembler PayloadAssembler
	timeout   time.Duration
	headRoot  phase0.Root
	cached    *CachedPayload
	log       logrus.FieldLogger
}

// NewBuilder creates a fallback builder. Each build is bounded by timeout.
func NewBuilder(assembler PayloadAssembler, timeout time.Duration, log logrus.FieldLogger) *Builder {
	return &Builder{
		assembler: assembler,
		timeout:   timeout,
		log:       log.WithField("component", "fallback-builder"),
	}
}

// SetHeadRoot records the beacon block root the next payload builds on.
func (b *Builder) SetHeadRoot(root phase0.Root) {
	b.headRoot = root
}

// BuildFallbackPayload builds a payload including the block's transactions in
// commitment order and caches it, replacing the previous one. On failure the
// previous cached payload is kept.
func (b *Builder) BuildFallbackPayload(ctx context.Context, block *constraints.Block) error {
	log := b.log.WithField("slot", block.Slot)

	rawTxs := block.Transactions()
	if len(rawTxs) == 0 {
		return fmt.Errorf("slot %d: %w", block.Slot, ErrNoTransactions)
	}

	txs := make([]*types.Transaction, 0, len(rawTxs))

	for i, raw := range rawTxs {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("failed to decode committed transaction %d: %w", i, err)
		}

		txs = append(txs, tx)
	}

	buildCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc

		buildCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()

	payload, err := b.assembler.Assemble(buildCtx, &BuildRequest{
		Slot:             block.Slot,
		ParentBeaconRoot: b.headRoot,
		Transactions:     txs,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble fallback payload: %w", err)
	}

	if payload.BlockValue == nil {
		payload.BlockValue = new(uint256.Int)
	}

	b.cached = &CachedPayload{
		Slot:             block.Slot,
		ExecutionPayload: payload.ExecutionPayload,
		BlockHash:        payload.BlockHash,
		BidValue:         payload.BlockValue,
	}

	log.WithFields(logrus.Fields{
		"block_hash": payload.BlockHash.Hex(),
		"value":      payload.BlockValue.Dec(),
		"txs":        len(txs),
		"duration":   time.Since(start),
	}).Info("Built fallback payload")

	return nil
}

// GetCachedPayload returns the latest fallback payload, or nil. Reading does
// not clear it.
func (b *Builder) GetCachedPayload() *CachedPayload {
	return b.cached
}
