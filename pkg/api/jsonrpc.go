package api

import (
	"context"
	"errors"
	"math/big"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
	"github.com/ethpandaops/preconfoor/pkg/gateway"
)

// Namespace is the JSON-RPC namespace of the preconfirmation API. Its one
// method is bolt_inclusionPreconfirmation.
const Namespace = "bolt"

// InclusionParams are the params of bolt_inclusionPreconfirmation.
type InclusionParams struct {
	Slot *uint64       `json:"slot"`
	Tx   hexutil.Bytes `json:"tx"`
}

// preconfAPI is the bolt JSON-RPC service.
type preconfAPI struct {
	chainID *big.Int
	handler CommitmentHandler
	log     logrus.FieldLogger
}

// InclusionPreconfirmation asks for a commitment to include params.Tx in the
// block of params.Slot.
func (a *preconfAPI) InclusionPreconfirmation(
	ctx context.Context,
	params InclusionParams,
) (*gateway.CommitmentResponse, error) {
	if params.Slot == nil {
		return nil, gateway.InvalidParams(errors.New("missing slot"))
	}

	if len(params.Tx) == 0 {
		return nil, gateway.InvalidParams(errors.New("missing tx"))
	}

	preconf, err := constraints.NewPreconfRequest(phase0.Slot(*params.Slot), params.Tx, a.chainID)
	if err != nil {
		return nil, gateway.InvalidParams(err)
	}

	resp, err := a.handler.HandleCommitmentRequest(ctx, preconf)
	if err != nil {
		a.log.WithError(err).WithField("slot", preconf.Slot).Debug("Preconfirmation request failed")

		var reqErr *gateway.RequestError
		if errors.As(err, &reqErr) {
			return nil, reqErr
		}

		return nil, &gateway.RequestError{Code: gateway.CodeInternal, Message: "internal error", Err: err}
	}

	return resp, nil
}

// newRPCServer creates the JSON-RPC server serving the bolt namespace.
func newRPCServer(chainID *big.Int, handler CommitmentHandler, log logrus.FieldLogger) (*rpc.Server, error) {
	server := rpc.NewServer()

	if err := server.RegisterName(Namespace, &preconfAPI{
		chainID: chainID,
		handler: handler,
		log:     log,
	}); err != nil {
		return nil, err
	}

	return server, nil
}
