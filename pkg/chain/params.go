// Package chain holds the static per-chain constants the sidecar commits under.
package chain

import (
	"fmt"
	"strings"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/ethpandaops/preconfoor/pkg/signer"
)

// Chain identifies one of the supported networks.
type Chain string

const (
	// Mainnet is Ethereum mainnet.
	Mainnet Chain = "mainnet"
	// Holesky is the Holesky testnet.
	Holesky Chain = "holesky"
	// Helder is the Helder preconfirmation devnet.
	Helder Chain = "helder"
	// Kurtosis is a local kurtosis devnet.
	Kurtosis Chain = "kurtosis"
)

// DefaultCommitmentDeadline is how long after a head event commitments for
// the next slot are still accepted.
const DefaultCommitmentDeadline = 8 * time.Second

// Params are the constants of a single chain.
type Params struct {
	Name               Chain
	ChainID            uint64
	SlotTime           time.Duration
	SlotsPerEpoch      uint64
	CommitmentDeadline time.Duration
	GenesisForkVersion phase0.Version

	// Domain is the application-builder signing domain. Constraint signatures
	// are bound to it so they cannot be replayed on another chain.
	Domain phase0.Domain
}

type chainConstants struct {
	chainID     uint64
	forkVersion phase0.Version
}

var known = map[Chain]chainConstants{
	Mainnet:  {chainID: 1, forkVersion: phase0.Version{0x00, 0x00, 0x00, 0x00}},
	Holesky:  {chainID: 17000, forkVersion: phase0.Version{0x01, 0x01, 0x70, 0x00}},
	Helder:   {chainID: 7014190335, forkVersion: phase0.Version{0x10, 0x00, 0x00, 0x00}},
	Kurtosis: {chainID: 3151908, forkVersion: phase0.Version{0x10, 0x00, 0x00, 0x38}},
}

// Chains returns the names of all supported chains.
func Chains() []Chain {
	return []Chain{Mainnet, Holesky, Helder, Kurtosis}
}

// ParseChain parses a chain name (case-insensitive).
func ParseChain(name string) (Chain, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := known[c]; !ok {
		return "", fmt.Errorf("unsupported chain %q", name)
	}

	return c, nil
}

// ParamsFor returns the default parameters for a chain.
func ParamsFor(c Chain) (*Params, error) {
	consts, ok := known[c]
	if !ok {
		return nil, fmt.Errorf("unsupported chain %q", c)
	}

	return &Params{
		Name:               c,
		ChainID:            consts.chainID,
		SlotTime:           12 * time.Second,
		SlotsPerEpoch:      32,
		CommitmentDeadline: DefaultCommitmentDeadline,
		GenesisForkVersion: consts.forkVersion,
		Domain:             signer.ComputeDomain(signer.DomainApplicationBuilder, consts.forkVersion, phase0.Root{}),
	}, nil
}

// WithOverrides returns a copy with the non-zero durations applied.
func (p *Params) WithOverrides(slotTime, commitmentDeadline time.Duration) *Params {
	out := *p

	if slotTime > 0 {
		out.SlotTime = slotTime
	}

	if commitmentDeadline > 0 {
		out.CommitmentDeadline = commitmentDeadline
	}

	return &out
}

// EpochOf returns the epoch containing slot.
func (p *Params) EpochOf(slot phase0.Slot) phase0.Epoch {
	return phase0.Epoch(uint64(slot) / p.SlotsPerEpoch)
}

// SlotStart returns the wall-clock start of slot.
func (p *Params) SlotStart(genesis time.Time, slot phase0.Slot) time.Time {
	return genesis.Add(time.Duration(uint64(slot)) * p.SlotTime)
}
