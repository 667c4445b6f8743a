package constraints

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/chain"
	"github.com/ethpandaops/preconfoor/pkg/rpc/beacon"
)

var (
	// ErrDutiesUnknown is returned when the proposer of a slot has not been loaded.
	ErrDutiesUnknown = errors.New("proposer duties unknown for slot")
	// ErrNotProposer is returned when the proposer of a slot is not one of ours.
	ErrNotProposer = errors.New("slot is not proposed by an authorized validator")
)

// HeadProvider is the beacon collaborator used to learn the head and the
// proposer schedule.
type HeadProvider interface {
	GetHeadSlot(ctx context.Context) (phase0.Slot, error)
	GetProposerDuties(ctx context.Context, epoch phase0.Epoch) ([]beacon.ProposerDuty, error)
}

// ValidatorSet is the set of validator indexes the sidecar commits for.
type ValidatorSet interface {
	Contains(idx uint64) bool
}

// State is the per-slot commitment aggregate. It is owned by a single
// goroutine (the event loop) and is not safe for concurrent use.
type State struct {
	params     *chain.Params
	validators ValidatorSet
	head       HeadProvider
	deadline   *Deadline
	log        logrus.FieldLogger

	blocks     map[phase0.Slot]*Block
	latestHead phase0.Slot

	duties       map[phase0.Slot]phase0.ValidatorIndex
	dutiesEpochs map[phase0.Epoch]bool
}

// NewState creates an empty constraint state with an idle deadline.
func NewState(
	params *chain.Params,
	validators ValidatorSet,
	head HeadProvider,
	log logrus.FieldLogger,
) *State {
	return &State{
		params:       params,
		validators:   validators,
		head:         head,
		deadline:     NewDeadline(),
		log:          log.WithField("component", "constraint-state"),
		blocks:       make(map[phase0.Slot]*Block, 8),
		duties:       make(map[phase0.Slot]phase0.ValidatorIndex, 64),
		dutiesEpochs: make(map[phase0.Epoch]bool, 2),
	}
}

// Deadline returns the commitment deadline of the next slot.
func (s *State) Deadline() *Deadline {
	return s.deadline
}

// LatestHead returns the latest head slot seen.
func (s *State) LatestHead() phase0.Slot {
	return s.latestHead
}

// Block returns the block for slot, or nil.
func (s *State) Block(slot phase0.Slot) *Block {
	return s.blocks[slot]
}

// Len returns the number of slots with recorded constraints.
func (s *State) Len() int {
	return len(s.blocks)
}

// AddConstraint appends sc to the block of slot, creating it if absent.
func (s *State) AddConstraint(slot phase0.Slot, sc *SignedConstraints) {
	block, ok := s.blocks[slot]
	if !ok {
		block = &Block{Slot: slot}
		s.blocks[slot] = block
	}

	block.SignedConstraintsList = append(block.SignedConstraintsList, sc)
}

// ReplaceConstraints overwrites the block of slot with list. Locally
// accumulated constraints for the slot are discarded.
func (s *State) ReplaceConstraints(slot phase0.Slot, list []*SignedConstraints) {
	replaced := make([]*SignedConstraints, len(list))
	copy(replaced, list)

	s.blocks[slot] = &Block{
		Slot:                  slot,
		SignedConstraintsList: replaced,
	}
}

// RemoveConstraintsAtSlot removes and returns the block of slot. It returns
// nil when nothing was committed for the slot.
func (s *State) RemoveConstraintsAtSlot(slot phase0.Slot) *Block {
	block, ok := s.blocks[slot]
	if !ok {
		return nil
	}

	delete(s.blocks, slot)

	return block
}

// UpdateHead records a new head and re-arms the deadline for the slot after
// it. A zero slot asks the beacon node for the current head. Blocks at or
// before the head that were never removed by their deadline are pruned.
func (s *State) UpdateHead(ctx context.Context, slot phase0.Slot) error {
	if slot == 0 {
		headSlot, err := s.head.GetHeadSlot(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch head slot: %w", err)
		}

		slot = headSlot
	}

	if slot <= s.latestHead && s.latestHead != 0 {
		s.log.WithFields(logrus.Fields{
			"slot":        slot,
			"latest_head": s.latestHead,
		}).Debug("Ignoring stale head")

		return nil
	}

	s.latestHead = slot

	nextSlot := slot + 1
	s.deadline.Arm(nextSlot, time.Now().Add(s.params.CommitmentDeadline))

	s.prune(slot)

	return s.loadDuties(ctx, nextSlot)
}

// prune drops blocks at or before head and duties before it.
func (s *State) prune(head phase0.Slot) {
	for slot, block := range s.blocks {
		if slot > head {
			continue
		}

		s.log.WithFields(logrus.Fields{
			"slot":        slot,
			"constraints": len(block.SignedConstraintsList),
		}).Warn("Pruning constraints whose deadline never fired")

		delete(s.blocks, slot)
	}

	for slot := range s.duties {
		if slot <= head {
			delete(s.duties, slot)
		}
	}

	headEpoch := s.params.EpochOf(head)
	for epoch := range s.dutiesEpochs {
		if epoch < headEpoch {
			delete(s.dutiesEpochs, epoch)
		}
	}
}

// loadDuties makes sure the proposer duties of the epoch of nextSlot and the
// epoch after it are known.
func (s *State) loadDuties(ctx context.Context, nextSlot phase0.Slot) error {
	epoch := s.params.EpochOf(nextSlot)

	for _, e := range []phase0.Epoch{epoch, epoch + 1} {
		if s.dutiesEpochs[e] {
			continue
		}

		duties, err := s.head.GetProposerDuties(ctx, e)
		if err != nil {
			return fmt.Errorf("failed to load proposer duties: %w", err)
		}

		for _, duty := range duties {
			s.duties[duty.Slot] = duty.ValidatorIndex
		}

		s.dutiesEpochs[e] = true

		s.log.WithFields(logrus.Fields{
			"epoch":  e,
			"duties": len(duties),
		}).Debug("Loaded proposer duties")
	}

	return nil
}

// ProposerIndex returns the authorized validator proposing slot.
func (s *State) ProposerIndex(slot phase0.Slot) (phase0.ValidatorIndex, error) {
	idx, ok := s.duties[slot]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrDutiesUnknown, slot)
	}

	if !s.validators.Contains(uint64(idx)) {
		return 0, fmt.Errorf("%w: slot %d is proposed by validator %d", ErrNotProposer, slot, idx)
	}

	return idx, nil
}
