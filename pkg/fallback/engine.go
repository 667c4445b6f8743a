package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/preconfoor/pkg/chain"
	"github.com/ethpandaops/preconfoor/pkg/rpc/beacon"
	"github.com/ethpandaops/preconfoor/pkg/rpc/engine"
)

// BeaconSource provides the consensus inputs of a payload build.
type BeaconSource interface {
	GetFinalityInfo(ctx context.Context) (*beacon.FinalityInfo, error)
	GetRandao(ctx context.Context, stateID string) (phase0.Root, error)
}

// EngineClient is the engine API surface used to build payloads.
type EngineClient interface {
	RequestPayloadBuild(ctx context.Context, state engine.ForkchoiceState, attrs *engine.PayloadAttributes) (engine.PayloadID, error)
	GetPayloadRaw(ctx context.Context, payloadID engine.PayloadID) (json.RawMessage, *big.Int, error)
}

// EngineAssembler has the local execution client build the payload, with the
// committed transactions placed at the top of the block.
type EngineAssembler struct {
	beacon       BeaconSource
	engine       EngineClient
	params       *chain.Params
	genesis      time.Time
	feeRecipient common.Address
}

// NewEngineAssembler creates an engine API backed assembler.
func NewEngineAssembler(
	beaconSource BeaconSource,
	engineClient EngineClient,
	chainParams *chain.Params,
	genesis time.Time,
	feeRecipient common.Address,
) *EngineAssembler {
	return &EngineAssembler{
		beacon:       beaconSource,
		engine:       engineClient,
		params:       chainParams,
		genesis:      genesis,
		feeRecipient: feeRecipient,
	}
}

// Assemble implements PayloadAssembler.
func (a *EngineAssembler) Assemble(ctx context.Context, req *BuildRequest) (*Payload, error) {
	finality, err := a.beacon.GetFinalityInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get finality info: %w", err)
	}

	randao, err := a.beacon.GetRandao(ctx, "head")
	if err != nil {
		return nil, fmt.Errorf("failed to get randao: %w", err)
	}

	parentBeaconRoot := common.Hash(req.ParentBeaconRoot)

	payloadID, err := a.engine.RequestPayloadBuild(ctx,
		engine.ForkchoiceState{
			HeadBlockHash:      common.Hash(finality.HeadExecutionBlockHash),
			SafeBlockHash:      common.Hash(finality.SafeExecutionBlockHash),
			FinalizedBlockHash: common.Hash(finality.FinalizedExecutionBlockHash),
		},
		&engine.PayloadAttributes{
			Timestamp:             uint64(a.params.SlotStart(a.genesis, req.Slot).Unix()),
			PrevRandao:            common.Hash(randao),
			SuggestedFeeRecipient: a.feeRecipient,
			ParentBeaconBlockRoot: &parentBeaconRoot,
			BuilderTxs:            req.Transactions,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to request payload build: %w", err)
	}

	payloadJSON, blockValue, err := a.engine.GetPayloadRaw(ctx, payloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payload: %w", err)
	}

	if err := checkCommittedPrefix(payloadJSON, req); err != nil {
		return nil, err
	}

	blockHash, err := engine.ParseBlockHashFromPayload(payloadJSON)
	if err != nil {
		return nil, err
	}

	value, overflow := uint256.FromBig(blockValue)
	if overflow {
		return nil, fmt.Errorf("block value %s overflows", blockValue)
	}

	return &Payload{
		ExecutionPayload: payloadJSON,
		BlockHash:        blockHash,
		BlockValue:       value,
	}, nil
}

// checkCommittedPrefix verifies the built payload starts with the committed
// transactions in commitment order. Execution clients without builder
// transaction support silently build without them.
func checkCommittedPrefix(payloadJSON json.RawMessage, req *BuildRequest) error {
	var payload struct {
		Transactions []hexutil.Bytes `json:"transactions"`
	}

	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return fmt.Errorf("failed to decode payload transactions: %w", err)
	}

	if len(payload.Transactions) < len(req.Transactions) {
		return fmt.Errorf("payload holds %d transactions, %d were committed",
			len(payload.Transactions), len(req.Transactions))
	}

	for i, tx := range req.Transactions {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode committed transaction: %w", err)
		}

		if !bytes.Equal(raw, payload.Transactions[i]) {
			return fmt.Errorf("payload transaction %d is not the committed transaction %s", i, tx.Hash().Hex())
		}
	}

	return nil
}
