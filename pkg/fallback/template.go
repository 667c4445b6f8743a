package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/preconfoor/pkg/chain"
)

// HeaderSource provides the execution head the payload builds on.
type HeaderSource interface {
	LatestHeader(ctx context.Context) (*types.Header, error)
}

// TemplateAssembler assembles a payload from the latest execution header
// without executing the transactions. Its state and receipts roots are the
// parent's, so it is only a placeholder bid for setups without an engine API
// endpoint.
type TemplateAssembler struct {
	headers      HeaderSource
	params       *chain.Params
	genesis      time.Time
	feeRecipient common.Address
	chainConfig  *params.ChainConfig
}

// NewTemplateAssembler creates a template assembler.
func NewTemplateAssembler(
	headers HeaderSource,
	chainParams *chain.Params,
	genesis time.Time,
	feeRecipient common.Address,
) *TemplateAssembler {
	// Base fee rules apply from genesis on every supported chain.
	cfg := *params.MainnetChainConfig
	cfg.ChainID = new(big.Int).SetUint64(chainParams.ChainID)
	cfg.LondonBlock = common.Big0

	return &TemplateAssembler{
		headers:      headers,
		params:       chainParams,
		genesis:      genesis,
		feeRecipient: feeRecipient,
		chainConfig:  &cfg,
	}
}

// templatePayload is the engine API JSON form of the assembled payload.
type templatePayload struct {
	ParentHash    common.Hash         `json:"parentHash"`
	FeeRecipient  common.Address      `json:"feeRecipient"`
	StateRoot     common.Hash         `json:"stateRoot"`
	ReceiptsRoot  common.Hash         `json:"receiptsRoot"`
	LogsBloom     hexutil.Bytes       `json:"logsBloom"`
	PrevRandao    common.Hash         `json:"prevRandao"`
	BlockNumber   hexutil.Uint64      `json:"blockNumber"`
	GasLimit      hexutil.Uint64      `json:"gasLimit"`
	GasUsed       hexutil.Uint64      `json:"gasUsed"`
	Timestamp     hexutil.Uint64      `json:"timestamp"`
	ExtraData     hexutil.Bytes       `json:"extraData"`
	BaseFeePerGas *hexutil.Big        `json:"baseFeePerGas"`
	BlockHash     common.Hash         `json:"blockHash"`
	Transactions  []hexutil.Bytes     `json:"transactions"`
	Withdrawals   []*types.Withdrawal `json:"withdrawals"`
	BlobGasUsed   hexutil.Uint64      `json:"blobGasUsed"`
	ExcessBlobGas hexutil.Uint64      `json:"excessBlobGas"`
}

// Assemble implements PayloadAssembler.
func (a *TemplateAssembler) Assemble(ctx context.Context, req *BuildRequest) (*Payload, error) {
	parent, err := a.headers.LatestHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parent header: %w", err)
	}

	baseFee := eip1559.CalcBaseFee(a.chainConfig, parent)

	value, gasUsed, err := bidValue(req.Transactions, baseFee)
	if err != nil {
		return nil, err
	}

	if gasUsed > parent.GasLimit {
		return nil, fmt.Errorf("committed transactions need %d gas, limit is %d", gasUsed, parent.GasLimit)
	}

	txs := types.Transactions(req.Transactions)
	withdrawalsHash := types.EmptyRootHash
	parentBeaconRoot := common.Hash(req.ParentBeaconRoot)

	header := &types.Header{
		ParentHash:       parent.Hash(),
		UncleHash:        types.EmptyUncleHash,
		Coinbase:         a.feeRecipient,
		Root:             parent.Root,
		TxHash:           types.DeriveSha(txs, trie.NewStackTrie(nil)),
		ReceiptHash:      types.EmptyRootHash,
		Difficulty:       new(big.Int),
		Number:           new(big.Int).Add(parent.Number, common.Big1),
		GasLimit:         parent.GasLimit,
		GasUsed:          gasUsed,
		Time:             uint64(a.params.SlotStart(a.genesis, req.Slot).Unix()),
		BaseFee:          baseFee,
		WithdrawalsHash:  &withdrawalsHash,
		ParentBeaconRoot: &parentBeaconRoot,
	}

	encoded := make([]hexutil.Bytes, 0, len(txs))

	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction %s: %w", tx.Hash().Hex(), err)
		}

		encoded = append(encoded, raw)
	}

	blockHash := header.Hash()

	payloadJSON, err := json.Marshal(&templatePayload{
		ParentHash:    header.ParentHash,
		FeeRecipient:  header.Coinbase,
		StateRoot:     header.Root,
		ReceiptsRoot:  header.ReceiptHash,
		LogsBloom:     make(hexutil.Bytes, types.BloomByteLength),
		BlockNumber:   hexutil.Uint64(header.Number.Uint64()),
		GasLimit:      hexutil.Uint64(header.GasLimit),
		GasUsed:       hexutil.Uint64(header.GasUsed),
		Timestamp:     hexutil.Uint64(header.Time),
		ExtraData:     hexutil.Bytes{},
		BaseFeePerGas: (*hexutil.Big)(baseFee),
		BlockHash:     blockHash,
		Transactions:  encoded,
		Withdrawals:   []*types.Withdrawal{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return &Payload{
		ExecutionPayload: payloadJSON,
		BlockHash:        blockHash,
		BlockValue:       value,
	}, nil
}

// bidValue sums the priority fees the transactions pay at baseFee, assuming
// each uses its full gas limit.
func bidValue(txs []*types.Transaction, baseFee *big.Int) (*uint256.Int, uint64, error) {
	total := new(uint256.Int)

	var gasUsed uint64

	for _, tx := range txs {
		if tx.GasFeeCap().Cmp(baseFee) < 0 {
			return nil, 0, fmt.Errorf("transaction %s fee cap %s is below base fee %s",
				tx.Hash().Hex(), tx.GasFeeCap(), baseFee)
		}

		tip := new(big.Int).Sub(tx.GasFeeCap(), baseFee)
		if tipCap := tx.GasTipCap(); tipCap.Cmp(tip) < 0 {
			tip = tipCap
		}

		fee, overflow := uint256.FromBig(new(big.Int).Mul(tip, new(big.Int).SetUint64(tx.Gas())))
		if overflow {
			return nil, 0, fmt.Errorf("transaction %s fee overflows", tx.Hash().Hex())
		}

		total.Add(total, fee)

		gasUsed += tx.Gas()
	}

	return total, gasUsed, nil
}
