package coordinator

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/preconfoor/pkg/chain"
	"github.com/ethpandaops/preconfoor/pkg/config"
	"github.com/ethpandaops/preconfoor/pkg/constraints"
	"github.com/ethpandaops/preconfoor/pkg/fallback"
	"github.com/ethpandaops/preconfoor/pkg/gateway"
	"github.com/ethpandaops/preconfoor/pkg/rpc/beacon"
	"github.com/ethpandaops/preconfoor/pkg/signer"
)

const testKey = "0x0000000000000000000000000000000000000000000000000000000000000001"

type fakeHead struct {
	slot      phase0.Slot
	proposers map[phase0.Slot]phase0.ValidatorIndex
}

func (f *fakeHead) GetHeadSlot(_ context.Context) (phase0.Slot, error) {
	return f.slot, nil
}

func (f *fakeHead) GetProposerDuties(_ context.Context, epoch phase0.Epoch) ([]beacon.ProposerDuty, error) {
	duties := make([]beacon.ProposerDuty, 0, 2)

	for slot, idx := range f.proposers {
		if uint64(slot)/32 == uint64(epoch) {
			duties = append(duties, beacon.ProposerDuty{Slot: slot, ValidatorIndex: idx})
		}
	}

	return duties, nil
}

// recordingAssembler reports every build request on builds.
type recordingAssembler struct {
	builds chan *fallback.BuildRequest
}

func (a *recordingAssembler) Assemble(_ context.Context, req *fallback.BuildRequest) (*fallback.Payload, error) {
	a.builds <- req

	return &fallback.Payload{
		ExecutionPayload: json.RawMessage(`{}`),
		BlockHash:        common.Hash{byte(req.Slot)},
		BlockValue:       uint256.NewInt(1),
	}, nil
}

type recordingOutbound struct {
	mu        sync.Mutex
	pooled    []*constraints.SignedConstraints
	finalized chan []*constraints.SignedConstraints
}

func (r *recordingOutbound) PoolConstraints(_ context.Context, list []*constraints.SignedConstraints) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pooled = append(r.pooled, list...)

	return nil
}

func (r *recordingOutbound) SubmitConstraints(
	_ context.Context,
	_ phase0.Slot,
	list []*constraints.SignedConstraints,
) error {
	r.finalized <- list
	return nil
}

func (r *recordingOutbound) pooledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.pooled)
}

type harness struct {
	coordinator *Coordinator
	gateway     *gateway.Gateway
	signer      *signer.BLSSigner
	params      *chain.Params
	heads       chan *beacon.HeadEvent
	frames      chan []byte
	builds      chan *fallback.BuildRequest
	outbound    *recordingOutbound
	cancel      context.CancelFunc
	stopped     chan error
}

// startHarness runs an event loop on Holesky with a 50ms commitment window.
// The head starts at 98 and validator 7 proposes slot 100.
func startHarness(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()

	params, err := chain.ParamsFor(chain.Holesky)
	require.NoError(t, err)

	params = params.WithOverrides(0, 50*time.Millisecond)

	blsSigner, err := signer.NewBLSSigner(testKey)
	require.NoError(t, err)

	head := &fakeHead{slot: 98, proposers: map[phase0.Slot]phase0.ValidatorIndex{100: 7, 101: 8}}
	state := constraints.NewState(params, config.ValidatorIndexes{7}, head, log)

	gw, err := gateway.NewGateway(gateway.DefaultDedupCacheSize, log)
	require.NoError(t, err)

	h := &harness{
		gateway:  gw,
		signer:   blsSigner,
		params:   params,
		heads:    make(chan *beacon.HeadEvent, 4),
		frames:   make(chan []byte, 4),
		builds:   make(chan *fallback.BuildRequest, 4),
		outbound: &recordingOutbound{finalized: make(chan []*constraints.SignedConstraints, 4)},
		stopped:  make(chan error, 1),
	}

	builder := fallback.NewBuilder(&recordingAssembler{builds: h.builds}, time.Second, log)

	h.coordinator, err = New(&Options{
		Params:    params,
		Signer:    blsSigner,
		State:     state,
		Gateway:   gw,
		Builder:   builder,
		Heads:     h.heads,
		Frames:    h.frames,
		Pooler:    h.outbound,
		Submitter: h.outbound,
	}, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		h.stopped <- h.coordinator.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-h.stopped
	})

	// Let the initial head and the empty deadline of slot 99 pass.
	time.Sleep(100 * time.Millisecond)

	return h
}

func (h *harness) request(t *testing.T, slot phase0.Slot) (*constraints.PreconfRequest, *types.Transaction) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chainID := new(big.Int).SetUint64(h.params.ChainID)
	to := common.HexToAddress("0x000000000000000000000000000000000000bEEF")

	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
	})
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	req, err := constraints.NewPreconfRequest(slot, raw, chainID)
	require.NoError(t, err)

	return req, tx
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the event loop")
	}

	var zero T

	return zero
}

func TestCoordinator_CommitmentToFallbackPayload(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()

	req, tx := h.request(t, 100)

	resp, err := h.gateway.HandleCommitmentRequest(ctx, req)
	require.NoError(t, err)

	assert.True(t, resp.OK)
	assert.Equal(t, phase0.Slot(100), resp.Slot)
	assert.Equal(t, tx.Hash(), resp.TxHash)
	require.Eventually(t, func() bool { return h.outbound.pooledCount() == 1 }, time.Second, 10*time.Millisecond)

	// The head reaching 99 arms the deadline of slot 100.
	h.heads <- &beacon.HeadEvent{Slot: 99, Block: phase0.Root{0x99}}

	finalized := receive(t, h.outbound.finalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, phase0.Slot(100), finalized[0].Message.Slot)
	assert.Equal(t, uint64(7), finalized[0].Message.ValidatorIndex)
	assert.Equal(t, hexutil.Bytes(resp.Signature), hexutil.Bytes(finalized[0].Signature[:]))
	assert.True(t, finalized[0].Verify(h.signer.PublicKey(), h.params.Domain))

	build := receive(t, h.builds)
	assert.Equal(t, phase0.Slot(100), build.Slot)
	assert.Equal(t, phase0.Root{0x99}, build.ParentBeaconRoot)
	require.Len(t, build.Transactions, 1)
	assert.Equal(t, tx.Hash(), build.Transactions[0].Hash())

	payload, err := h.coordinator.FetchPayload(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, common.Hash{100}, payload.BlockHash)

	other, err := h.coordinator.FetchPayload(ctx, 101)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestCoordinator_RejectsSlotsOfOtherProposers(t *testing.T) {
	h := startHarness(t)

	req, _ := h.request(t, 101)

	_, err := h.gateway.HandleCommitmentRequest(context.Background(), req)
	require.ErrorIs(t, err, ErrNotProposer)

	unknown, _ := h.request(t, 500)

	_, err = h.gateway.HandleCommitmentRequest(context.Background(), unknown)
	require.ErrorIs(t, err, constraints.ErrDutiesUnknown)

	// A rejected request can be retried, it is not a duplicate.
	_, err = h.gateway.HandleCommitmentRequest(context.Background(), req)
	require.ErrorIs(t, err, ErrNotProposer)
	assert.Zero(t, h.outbound.pooledCount())
}

func TestCoordinator_MergedFrameReplacesSlot(t *testing.T) {
	h := startHarness(t)

	req, _ := h.request(t, 100)
	_, err := h.gateway.HandleCommitmentRequest(context.Background(), req)
	require.NoError(t, err)

	h.frames <- []byte(`not json`)

	merged := []*constraints.SignedConstraints{
		{Message: &constraints.ConstraintsMessage{ValidatorIndex: 7, Slot: 100, Transactions: []hexutil.Bytes{{0x01}}}},
		{Message: &constraints.ConstraintsMessage{ValidatorIndex: 7, Slot: 100, Transactions: []hexutil.Bytes{{0x02}}}},
	}
	frame, err := json.Marshal(merged)
	require.NoError(t, err)

	h.frames <- frame
	h.heads <- &beacon.HeadEvent{Slot: 99}

	finalized := receive(t, h.outbound.finalized)
	require.Len(t, finalized, 2)
	assert.Equal(t, hexutil.Bytes{0x01}, finalized[0].Message.Transactions[0])
	assert.Equal(t, hexutil.Bytes{0x02}, finalized[1].Message.Transactions[0])
}

func TestCoordinator_StopReleasesCallers(t *testing.T) {
	h := startHarness(t)

	h.cancel()
	require.NoError(t, receive(t, h.stopped))

	// The cleanup waits on stopped as well.
	h.stopped <- nil

	_, err := h.coordinator.FetchPayload(context.Background(), 100)
	require.ErrorIs(t, err, ErrStopped)

	req, _ := h.request(t, 100)
	_, err = h.gateway.HandleCommitmentRequest(context.Background(), req)
	require.ErrorIs(t, err, gateway.ErrLoopUnavailable)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(&Options{}, logrus.New())
	require.Error(t, err)
}
