// Package constraints holds the per-slot commitment bookkeeping of the sidecar:
// the signed constraint types, the commitment deadline and the ConstraintState
// aggregate owned by the event loop.
package constraints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pk910/dynamic-ssz/hasher"
	"github.com/pk910/dynamic-ssz/sszutils"
)

// SSZ list limits, taken from the bellatrix execution payload.
const (
	MaxBytesPerTransaction    = 1073741824
	MaxTransactionsPerPayload = 1048576
)

// PreconfRequest is a request to include Tx in the block of Slot.
type PreconfRequest struct {
	Slot   phase0.Slot
	Tx     hexutil.Bytes
	TxHash common.Hash
	Sender common.Address
}

// NewPreconfRequest decodes raw as a signed transaction and recovers its sender.
func NewPreconfRequest(slot phase0.Slot, raw []byte, chainID *big.Int) (*PreconfRequest, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover transaction sender: %w", err)
	}

	return &PreconfRequest{
		Slot:   slot,
		Tx:     common.CopyBytes(raw),
		TxHash: tx.Hash(),
		Sender: sender,
	}, nil
}

// Equal reports whether both requests target the same slot with the same bytes.
func (r *PreconfRequest) Equal(other *PreconfRequest) bool {
	return r.Slot == other.Slot && bytes.Equal(r.Tx, other.Tx)
}

// ConstraintsMessage is the signed payload of a commitment. Transaction order
// is commitment order.
type ConstraintsMessage struct {
	ValidatorIndex uint64          `json:"validator_index"`
	Slot           phase0.Slot     `json:"slot"`
	Transactions   []hexutil.Bytes `json:"transactions"`
}

// HashTreeRoot returns the SSZ hash tree root of the message (the signing digest).
func (m *ConstraintsMessage) HashTreeRoot() (phase0.Root, error) {
	var root phase0.Root

	err := hasher.WithDefaultHasher(func(hh sszutils.HashWalker) error {
		if err := m.HashTreeRootWith(hh); err != nil {
			return err
		}

		r, err := hh.HashRoot()
		root = phase0.Root(r)

		return err
	})

	return root, err
}

// HashTreeRootWith writes the ConstraintsMessage SSZ tree into the hasher.
func (m *ConstraintsMessage) HashTreeRootWith(hh sszutils.HashWalker) error {
	idx := hh.Index()

	// Field #0: validator_index
	hh.PutUint64(m.ValidatorIndex)

	// Field #1: slot
	hh.PutUint64(uint64(m.Slot))

	// Field #2: transactions (List[ByteList[MAX_BYTES_PER_TRANSACTION], MAX_TRANSACTIONS_PER_PAYLOAD])
	{
		vlen := uint64(len(m.Transactions))
		if vlen > MaxTransactionsPerPayload {
			return sszutils.ErrListTooBig
		}

		listIdx := hh.Index()

		for _, tx := range m.Transactions {
			txLen := uint64(len(tx))
			if txLen > MaxBytesPerTransaction {
				return sszutils.ErrListTooBig
			}

			txIdx := hh.Index()
			hh.AppendBytes32(tx)
			hh.MerkleizeWithMixin(txIdx, txLen, sszutils.CalculateLimit(MaxBytesPerTransaction, txLen, 1))
		}

		hh.MerkleizeWithMixin(listIdx, vlen, sszutils.CalculateLimit(MaxTransactionsPerPayload, vlen, 32))
	}

	hh.Merkleize(idx)

	return nil
}

// SignedConstraints is a ConstraintsMessage with the sidecar's signature over
// its digest.
type SignedConstraints struct {
	Message   *ConstraintsMessage
	Signature phase0.BLSSignature
}

type signedConstraintsJSON struct {
	Message   *ConstraintsMessage `json:"message"`
	Signature hexutil.Bytes       `json:"signature"`
}

// MarshalJSON implements json.Marshaler.
func (s *SignedConstraints) MarshalJSON() ([]byte, error) {
	return json.Marshal(&signedConstraintsJSON{
		Message:   s.Message,
		Signature: s.Signature[:],
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SignedConstraints) UnmarshalJSON(data []byte) error {
	var raw signedConstraintsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Message == nil {
		return fmt.Errorf("signed constraints: missing message")
	}

	if len(raw.Signature) != len(s.Signature) {
		return fmt.Errorf("signed constraints: invalid signature length: got %d, want %d",
			len(raw.Signature), len(s.Signature))
	}

	s.Message = raw.Message
	copy(s.Signature[:], raw.Signature)

	return nil
}

// Block is everything committed for one slot, one entry per accepted request.
type Block struct {
	Slot                  phase0.Slot
	SignedConstraintsList []*SignedConstraints
}

// Transactions flattens the committed transactions in commitment order.
func (b *Block) Transactions() []hexutil.Bytes {
	txs := make([]hexutil.Bytes, 0, len(b.SignedConstraintsList))

	for _, sc := range b.SignedConstraintsList {
		if sc == nil || sc.Message == nil {
			continue
		}

		txs = append(txs, sc.Message.Transactions...)
	}

	return txs
}

// ParseSignedConstraintsList decodes a merged-constraints frame.
func ParseSignedConstraintsList(data []byte) ([]*SignedConstraints, error) {
	var list []*SignedConstraints
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("invalid constraints frame: %w", err)
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("invalid constraints frame: empty list")
	}

	for i, sc := range list {
		if sc == nil {
			return nil, fmt.Errorf("invalid constraints frame: null entry %d", i)
		}

		if slot := list[0].Message.Slot; sc.Message.Slot != slot {
			return nil, fmt.Errorf("invalid constraints frame: entry %d is for slot %d, expected %d",
				i, sc.Message.Slot, slot)
		}
	}

	return list, nil
}
