// Package gateway hands preconfirmation requests from the RPC surface to the
// event loop and returns the loop's answer to the caller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
)

// RequestQueueSize is the capacity of the channel into the event loop.
const RequestQueueSize = 1024

// CommitmentResponse is the success value of a preconfirmation request.
type CommitmentResponse struct {
	OK        bool          `json:"ok"`
	Slot      phase0.Slot   `json:"slot"`
	TxHash    common.Hash   `json:"tx_hash"`
	Signature hexutil.Bytes `json:"signature"`
}

// CommitmentResult is what the event loop answers with. Exactly one of
// Response and Err is set.
type CommitmentResult struct {
	Response *CommitmentResponse
	Err      error
}

// CommitmentRequest is a request in flight to the event loop. The loop must
// send exactly one result on Response.
type CommitmentRequest struct {
	Request  *constraints.PreconfRequest
	Response chan<- CommitmentResult
}

// Gateway forwards preconfirmation requests to the event loop.
type Gateway struct {
	dedup    *DedupCache
	requests chan *CommitmentRequest
	closed   chan struct{}
	once     sync.Once
	log      logrus.FieldLogger
}

// NewGateway creates a gateway with a dedup cache of cacheSize slots.
func NewGateway(cacheSize int, log logrus.FieldLogger) (*Gateway, error) {
	dedup, err := NewDedupCache(cacheSize)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		dedup:    dedup,
		requests: make(chan *CommitmentRequest, RequestQueueSize),
		closed:   make(chan struct{}),
		log:      log.WithField("component", "gateway"),
	}, nil
}

// Requests returns the channel the event loop consumes.
func (g *Gateway) Requests() <-chan *CommitmentRequest {
	return g.requests
}

// Close marks the event loop as gone. Pending and future callers fail with
// ErrResponseDropped or ErrLoopUnavailable.
func (g *Gateway) Close() {
	g.once.Do(func() {
		close(g.closed)
	})
}

// HandleCommitmentRequest hands req to the event loop and waits for its
// answer. Errors are always *RequestError.
func (g *Gateway) HandleCommitmentRequest(
	ctx context.Context,
	req *constraints.PreconfRequest,
) (*CommitmentResponse, error) {
	log := g.log.WithFields(logrus.Fields{
		"slot":    req.Slot,
		"tx_hash": req.TxHash.Hex(),
	})

	if !g.dedup.Insert(req.Slot, req.TxHash) {
		log.Debug("Rejecting duplicate request")

		return nil, &RequestError{
			Code:    CodeDuplicate,
			Message: "duplicate request",
			Err:     ErrDuplicateRequest,
		}
	}

	select {
	case <-g.closed:
		g.dedup.Forget(req.Slot, req.TxHash)
		return nil, Custom(ErrLoopUnavailable)
	default:
	}

	respCh := make(chan CommitmentResult, 1)

	select {
	case g.requests <- &CommitmentRequest{Request: req, Response: respCh}:
	default:
		g.dedup.Forget(req.Slot, req.TxHash)
		log.Warn("Request queue full, dropping request")

		return nil, Custom(fmt.Errorf("%w: request queue full", ErrLoopUnavailable))
	}

	select {
	case result := <-respCh:
		if result.Err != nil {
			g.dedup.Forget(req.Slot, req.TxHash)
			return nil, asRequestError(result.Err)
		}

		if result.Response == nil {
			g.dedup.Forget(req.Slot, req.TxHash)
			return nil, Custom(ErrResponseDropped)
		}

		return result.Response, nil
	case <-g.closed:
		log.Warn("Event loop stopped before answering")
		return nil, Custom(ErrResponseDropped)
	case <-ctx.Done():
		return nil, Custom(ctx.Err())
	}
}

func asRequestError(err error) *RequestError {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	return Rejected(err)
}
