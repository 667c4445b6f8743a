// Package beacon provides a client for interacting with Ethereum consensus layer nodes.
package beacon

import (
	"context"
	"fmt"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	"github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
)

// Genesis holds genesis information.
type Genesis struct {
	GenesisTime           time.Time
	GenesisValidatorsRoot phase0.Root
	GenesisForkVersion    phase0.Version
}

// ProposerDuty assigns a validator to propose the block of a slot.
type ProposerDuty struct {
	Slot           phase0.Slot
	ValidatorIndex phase0.ValidatorIndex
	Pubkey         phase0.BLSPubKey
}

// BlockInfo holds the fields of a beacon block the fallback builder needs.
type BlockInfo struct {
	Slot               phase0.Slot
	ExecutionBlockHash phase0.Hash32
	ParentRoot         phase0.Root
	StateRoot          phase0.Root
}

// FinalityInfo holds the execution block hashes of the head, justified and
// finalized checkpoints.
type FinalityInfo struct {
	HeadExecutionBlockHash      phase0.Hash32
	SafeExecutionBlockHash      phase0.Hash32
	FinalizedExecutionBlockHash phase0.Hash32
}

// Client wraps the consensus layer client for beacon node interactions.
type Client struct {
	client     eth2client.Service
	baseURL    string
	headStream *HeadStream
	log        logrus.FieldLogger
}

// NewClient creates a new CL client connected to the specified beacon node.
func NewClient(ctx context.Context, baseURL string, log logrus.FieldLogger) (*Client, error) {
	clientLog := log.WithField("component", "cl-client")

	httpClient, err := http.New(ctx,
		http.WithAddress(baseURL),
		http.WithLogLevel(zerolog.WarnLevel),
		http.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	c := &Client{
		client:  httpClient,
		baseURL: baseURL,
		log:     clientLog,
	}

	c.headStream = NewHeadStream(baseURL, clientLog)

	return c, nil
}

// Close stops the head stream.
func (c *Client) Close() {
	if c.headStream != nil {
		c.headStream.Stop()
	}
}

// HeadStream returns the head event stream of this beacon node.
func (c *Client) HeadStream() *HeadStream {
	return c.headStream
}

// GetBaseURL returns the base URL of the beacon node.
func (c *Client) GetBaseURL() string {
	return c.baseURL
}

// GetGenesis fetches genesis information from the beacon node.
func (c *Client) GetGenesis(ctx context.Context) (*Genesis, error) {
	provider, ok := c.client.(eth2client.GenesisProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support genesis provider")
	}

	resp, err := provider.Genesis(ctx, &api.GenesisOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to get genesis: %w", err)
	}

	genesis := resp.Data

	return &Genesis{
		GenesisTime:           genesis.GenesisTime,
		GenesisValidatorsRoot: genesis.GenesisValidatorsRoot,
		GenesisForkVersion:    genesis.GenesisForkVersion,
	}, nil
}

// GetHeadSlot fetches the current head slot.
func (c *Client) GetHeadSlot(ctx context.Context) (phase0.Slot, error) {
	provider, ok := c.client.(eth2client.BeaconBlockHeadersProvider)
	if !ok {
		return 0, fmt.Errorf("client does not support block headers provider")
	}

	resp, err := provider.BeaconBlockHeader(ctx, &api.BeaconBlockHeaderOpts{
		Block: "head",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get head block header: %w", err)
	}

	return resp.Data.Header.Message.Slot, nil
}

// GetProposerDuties fetches the proposer duties of an epoch.
func (c *Client) GetProposerDuties(ctx context.Context, epoch phase0.Epoch) ([]ProposerDuty, error) {
	provider, ok := c.client.(eth2client.ProposerDutiesProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support proposer duties provider")
	}

	resp, err := provider.ProposerDuties(ctx, &api.ProposerDutiesOpts{
		Epoch: epoch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get proposer duties for epoch %d: %w", epoch, err)
	}

	duties := make([]ProposerDuty, 0, len(resp.Data))

	for _, duty := range resp.Data {
		if duty == nil {
			continue
		}

		duties = append(duties, ProposerDuty{
			Slot:           duty.Slot,
			ValidatorIndex: duty.ValidatorIndex,
			Pubkey:         duty.PubKey,
		})
	}

	return duties, nil
}

// GetBlockInfo fetches beacon block info at the given block ID.
func (c *Client) GetBlockInfo(ctx context.Context, blockID string) (*BlockInfo, error) {
	provider, ok := c.client.(eth2client.SignedBeaconBlockProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support signed beacon block provider")
	}

	resp, err := provider.SignedBeaconBlock(ctx, &api.SignedBeaconBlockOpts{
		Block: blockID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get beacon block: %w", err)
	}

	if resp.Data == nil {
		return nil, fmt.Errorf("beacon block response is nil")
	}

	block := resp.Data

	slot, err := block.Slot()
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}

	execBlockHash, err := block.ExecutionBlockHash()
	if err != nil {
		return nil, fmt.Errorf("failed to get execution block hash: %w", err)
	}

	parentRoot, err := block.ParentRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to get parent root: %w", err)
	}

	stateRoot, err := block.StateRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to get state root: %w", err)
	}

	return &BlockInfo{
		Slot:               slot,
		ExecutionBlockHash: execBlockHash,
		ParentRoot:         parentRoot,
		StateRoot:          stateRoot,
	}, nil
}

// GetFinalityInfo resolves the execution block hashes of the head and of the
// justified and finalized checkpoints. Missing checkpoints fall back to the
// next more recent hash.
func (c *Client) GetFinalityInfo(ctx context.Context) (*FinalityInfo, error) {
	provider, ok := c.client.(eth2client.FinalityProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support finality provider")
	}

	finalityResp, err := provider.Finality(ctx, &api.FinalityOpts{
		State: "head",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get finality: %w", err)
	}

	if finalityResp.Data == nil {
		return nil, fmt.Errorf("finality response is nil")
	}

	headInfo, err := c.GetBlockInfo(ctx, "head")
	if err != nil {
		return nil, fmt.Errorf("failed to get head block info: %w", err)
	}

	info := &FinalityInfo{
		HeadExecutionBlockHash: headInfo.ExecutionBlockHash,
	}

	info.SafeExecutionBlockHash = c.checkpointBlockHash(ctx, finalityResp.Data.Justified, info.HeadExecutionBlockHash)
	info.FinalizedExecutionBlockHash = c.checkpointBlockHash(ctx, finalityResp.Data.Finalized, info.SafeExecutionBlockHash)

	return info, nil
}

func (c *Client) checkpointBlockHash(
	ctx context.Context,
	checkpoint *phase0.Checkpoint,
	fallback phase0.Hash32,
) phase0.Hash32 {
	if checkpoint == nil || checkpoint.Root == (phase0.Root{}) {
		return fallback
	}

	info, err := c.GetBlockInfo(ctx, fmt.Sprintf("0x%x", checkpoint.Root[:]))
	if err != nil {
		c.log.WithError(err).WithField("epoch", checkpoint.Epoch).Warn("Failed to get checkpoint block info")
		return fallback
	}

	return info.ExecutionBlockHash
}

// GetRandao fetches the RANDAO mix of the given state.
func (c *Client) GetRandao(ctx context.Context, stateID string) (phase0.Root, error) {
	provider, ok := c.client.(eth2client.BeaconStateRandaoProvider)
	if !ok {
		return phase0.Root{}, fmt.Errorf("client does not support beacon state randao provider")
	}

	resp, err := provider.BeaconStateRandao(ctx, &api.BeaconStateRandaoOpts{
		State: stateID,
	})
	if err != nil {
		return phase0.Root{}, fmt.Errorf("failed to get randao: %w", err)
	}

	if resp.Data == nil {
		return phase0.Root{}, fmt.Errorf("randao response is nil")
	}

	return *resp.Data, nil
}
