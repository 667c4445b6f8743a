// Package coordinator runs the single event loop that owns the constraint
// state and the fallback builder. Every other component talks to it through
// channels.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/chain"
	"github.com/ethpandaops/preconfoor/pkg/constraints"
	"github.com/ethpandaops/preconfoor/pkg/fallback"
	"github.com/ethpandaops/preconfoor/pkg/gateway"
	"github.com/ethpandaops/preconfoor/pkg/metrics"
	"github.com/ethpandaops/preconfoor/pkg/rpc/beacon"
)

var (
	// ErrNotProposer is returned for requests targeting a slot none of our
	// validators propose.
	ErrNotProposer = constraints.ErrNotProposer
	// ErrStopped is returned by FetchPayload once the loop has exited.
	ErrStopped = errors.New("event loop stopped")
)

// FallbackBuilder builds and serves the fallback payload.
type FallbackBuilder interface {
	SetHeadRoot(root phase0.Root)
	BuildFallbackPayload(ctx context.Context, block *constraints.Block) error
	GetCachedPayload() *fallback.CachedPayload
}

// Options wires the collaborators of the event loop. Frames, Heads, Pooler
// and Submitter are optional.
type Options struct {
	Params    *chain.Params
	Signer    constraints.Signer
	State     *constraints.State
	Gateway   *gateway.Gateway
	Builder   FallbackBuilder
	Heads     <-chan *beacon.HeadEvent
	Frames    <-chan []byte
	Pooler    Pooler
	Submitter Submitter
}

type fetchRequest struct {
	slot     phase0.Slot
	response chan *fallback.CachedPayload
}

// Coordinator is the event loop.
type Coordinator struct {
	params  *chain.Params
	signer  constraints.Signer
	state   *constraints.State
	gateway *gateway.Gateway
	builder FallbackBuilder
	heads   <-chan *beacon.HeadEvent
	frames  <-chan []byte
	outbox  *outbox
	fetches chan *fetchRequest
	done    chan struct{}
	once    sync.Once
	log     logrus.FieldLogger
}

// New creates the event loop. Nothing runs until Run.
func New(opts *Options, log logrus.FieldLogger) (*Coordinator, error) {
	switch {
	case opts.Params == nil:
		return nil, fmt.Errorf("chain params are required")
	case opts.Signer == nil:
		return nil, fmt.Errorf("signer is required")
	case opts.State == nil:
		return nil, fmt.Errorf("constraint state is required")
	case opts.Gateway == nil:
		return nil, fmt.Errorf("gateway is required")
	case opts.Builder == nil:
		return nil, fmt.Errorf("fallback builder is required")
	}

	loopLog := log.WithField("component", "coordinator")

	return &Coordinator{
		params:  opts.Params,
		signer:  opts.Signer,
		state:   opts.State,
		gateway: opts.Gateway,
		builder: opts.Builder,
		heads:   opts.Heads,
		frames:  opts.Frames,
		outbox:  newOutbox(opts.Pooler, opts.Submitter, loopLog),
		fetches: make(chan *fetchRequest, 16),
		done:    make(chan struct{}),
		log:     loopLog,
	}, nil
}

// Run initialises the head and serves the five inputs until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.outbox.start(ctx)

	defer func() {
		c.gateway.Close()
		c.state.Deadline().Stop()
		c.once.Do(func() { close(c.done) })
		c.outbox.stop()
		c.log.Info("Event loop stopped")
	}()

	if err := c.state.UpdateHead(ctx, 0); err != nil {
		c.log.WithError(err).Warn("Failed to initialise head, waiting for head events")
	}

	c.log.WithFields(logrus.Fields{
		"chain":       c.params.Name,
		"latest_head": c.state.LatestHead(),
	}).Info("Event loop started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-c.gateway.Requests():
			c.handleRequest(req)

		case slot := <-c.state.Deadline().Wait():
			c.handleDeadline(ctx, slot)

		case fetch := <-c.fetches:
			c.handleFetch(fetch)

		case frame := <-c.frames:
			c.handleFrame(frame)

		case event, ok := <-c.heads:
			if !ok {
				c.log.Warn("Head event stream closed")
				c.heads = nil

				continue
			}

			c.handleHead(ctx, event)
		}

		metrics.TrackedSlots.Set(float64(c.state.Len()))
	}
}

// FetchPayload asks the loop for the fallback payload of slot. A nil payload
// means none is available.
func (c *Coordinator) FetchPayload(ctx context.Context, slot phase0.Slot) (*fallback.CachedPayload, error) {
	fetch := &fetchRequest{
		slot:     slot,
		response: make(chan *fallback.CachedPayload, 1),
	}

	select {
	case c.fetches <- fetch:
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case payload := <-fetch.response:
		return payload, nil
	case <-c.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleRequest signs and records a commitment and answers the caller.
func (c *Coordinator) handleRequest(req *gateway.CommitmentRequest) {
	preconf := req.Request
	log := c.log.WithFields(logrus.Fields{
		"slot":    preconf.Slot,
		"tx_hash": preconf.TxHash.Hex(),
	})

	validatorIndex, err := c.state.ProposerIndex(preconf.Slot)
	if err != nil {
		reason := "not_proposer"
		if errors.Is(err, constraints.ErrDutiesUnknown) {
			reason = "duties_unknown"
		}

		metrics.CommitmentsRejected.WithLabelValues(reason).Inc()
		log.WithError(err).Debug("Rejecting commitment request")

		req.Response <- gateway.CommitmentResult{Err: gateway.Rejected(err)}

		return
	}

	msg := &constraints.ConstraintsMessage{
		ValidatorIndex: uint64(validatorIndex),
		Slot:           preconf.Slot,
		Transactions:   []hexutil.Bytes{preconf.Tx},
	}

	signed, err := constraints.Sign(c.signer, msg, c.params.Domain)
	if err != nil {
		metrics.CommitmentsRejected.WithLabelValues("signing").Inc()
		log.WithError(err).Error("Failed to sign commitment")

		req.Response <- gateway.CommitmentResult{Err: gateway.Custom(err)}

		return
	}

	if head := c.state.LatestHead(); head != 0 && preconf.Slot <= head {
		log.WithField("latest_head", head).Warn("Accepting commitment for a slot at or before the head")
	}

	c.state.AddConstraint(preconf.Slot, signed)
	c.outbox.pool(signed)

	metrics.CommitmentsAccepted.Inc()
	log.WithField("validator_index", validatorIndex).Info("Accepted commitment")

	req.Response <- gateway.CommitmentResult{Response: &gateway.CommitmentResponse{
		OK:        true,
		Slot:      preconf.Slot,
		TxHash:    preconf.TxHash,
		Signature: signed.Signature[:],
	}}
}

// handleDeadline finalises the slot whose commitment window closed.
func (c *Coordinator) handleDeadline(ctx context.Context, slot phase0.Slot) {
	metrics.DeadlinesFired.Inc()

	log := c.log.WithField("slot", slot)

	block := c.state.RemoveConstraintsAtSlot(slot)
	if block == nil {
		log.Debug("Commitment deadline passed without constraints")
		return
	}

	log.WithField("constraints", len(block.SignedConstraintsList)).Info("Commitment deadline reached")

	c.outbox.finalize(block)

	if err := c.builder.BuildFallbackPayload(ctx, block); err != nil {
		metrics.FallbackBuilds.WithLabelValues("failure").Inc()
		log.WithError(err).Error("Failed to build fallback payload")

		return
	}

	metrics.FallbackBuilds.WithLabelValues("success").Inc()
}

// handleFetch answers with the cached payload when it was built for the
// requested slot.
func (c *Coordinator) handleFetch(fetch *fetchRequest) {
	payload := c.builder.GetCachedPayload()
	if payload != nil && payload.Slot != fetch.slot {
		c.log.WithFields(logrus.Fields{
			"slot":        fetch.slot,
			"cached_slot": payload.Slot,
		}).Debug("Cached fallback payload is for another slot")

		payload = nil
	}

	fetch.response <- payload
}

// handleFrame replaces the constraints of a slot with a merged list.
func (c *Coordinator) handleFrame(frame []byte) {
	list, err := constraints.ParseSignedConstraintsList(frame)
	if err != nil {
		metrics.MergedFrames.WithLabelValues("invalid").Inc()
		c.log.WithError(err).Warn("Dropping malformed constraints frame")

		return
	}

	slot := list[0].Message.Slot
	c.state.ReplaceConstraints(slot, list)

	metrics.MergedFrames.WithLabelValues("applied").Inc()
	c.log.WithFields(logrus.Fields{
		"slot":        slot,
		"constraints": len(list),
	}).Debug("Applied merged constraints")
}

// handleHead moves the head forward and re-arms the deadline.
func (c *Coordinator) handleHead(ctx context.Context, event *beacon.HeadEvent) {
	if event.Slot > c.state.LatestHead() {
		c.builder.SetHeadRoot(event.Block)
	}

	if err := c.state.UpdateHead(ctx, event.Slot); err != nil {
		c.log.WithError(err).WithField("slot", event.Slot).Warn("Failed to update head")
	}
}
