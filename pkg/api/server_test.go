package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
	"github.com/ethpandaops/preconfoor/pkg/fallback"
	"github.com/ethpandaops/preconfoor/pkg/gateway"
)

const testChainID = 17000

type fakeHandler struct {
	got *constraints.PreconfRequest
	err error
}

func (f *fakeHandler) HandleCommitmentRequest(
	_ context.Context,
	req *constraints.PreconfRequest,
) (*gateway.CommitmentResponse, error) {
	f.got = req

	if f.err != nil {
		return nil, f.err
	}

	return &gateway.CommitmentResponse{OK: true, Slot: req.Slot, TxHash: req.TxHash, Signature: hexutil.Bytes{0x01}}, nil
}

type fakePayloads struct {
	payload *fallback.CachedPayload
	err     error
}

func (f *fakePayloads) FetchPayload(_ context.Context, slot phase0.Slot) (*fallback.CachedPayload, error) {
	if f.err != nil {
		return nil, f.err
	}

	if f.payload == nil || f.payload.Slot != slot {
		return nil, nil
	}

	return f.payload, nil
}

func rawTx(t *testing.T) (hexutil.Bytes, common.Hash) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chainID := big.NewInt(testChainID)
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

	return raw, tx.Hash()
}

func newTestServer(t *testing.T, handler CommitmentHandler, payloads PayloadFetcher) *Server {
	t.Helper()

	srv, err := NewServer(0, testChainID, handler, payloads, &Status{Chain: "holesky", ChainID: testChainID}, logrus.New())
	require.NoError(t, err)

	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func callRPC(t *testing.T, srv *Server, body string) rpcResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	return resp
}

func TestInclusionPreconfirmation(t *testing.T) {
	handler := &fakeHandler{}
	srv := newTestServer(t, handler, &fakePayloads{})

	raw, hash := rawTx(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"bolt_inclusionPreconfirmation","params":[{"slot":100,"tx":"` + raw.String() + `"}]}`

	resp := callRPC(t, srv, body)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "1", string(resp.ID))

	var result gateway.CommitmentResponse
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	assert.True(t, result.OK)
	assert.Equal(t, phase0.Slot(100), result.Slot)
	assert.Equal(t, hash, result.TxHash)

	require.NotNil(t, handler.got)
	assert.Equal(t, hash, handler.got.TxHash)
}

func TestInclusionPreconfirmation_Errors(t *testing.T) {
	raw, _ := rawTx(t)

	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "parse error", body: `{`, wantCode: gateway.CodeParseError},
		{name: "unknown method", body: `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`, wantCode: gateway.CodeMethodNotFound},
		{name: "no params", body: `{"jsonrpc":"2.0","id":1,"method":"bolt_inclusionPreconfirmation","params":[]}`, wantCode: gateway.CodeInvalidParams},
		{
			name:     "missing slot",
			body:     `{"jsonrpc":"2.0","id":1,"method":"bolt_inclusionPreconfirmation","params":[{"tx":"` + raw.String() + `"}]}`,
			wantCode: gateway.CodeInvalidParams,
		},
		{
			name:     "bad tx",
			body:     `{"jsonrpc":"2.0","id":1,"method":"bolt_inclusionPreconfirmation","params":[{"slot":1,"tx":"0x02ff"}]}`,
			wantCode: gateway.CodeInvalidParams,
		},
		{
			name:     "duplicate",
			body:     `{"jsonrpc":"2.0","id":1,"method":"bolt_inclusionPreconfirmation","params":[{"slot":1,"tx":"` + raw.String() + `"}]}`,
			err:      &gateway.RequestError{Code: gateway.CodeDuplicate, Message: "duplicate request", Err: gateway.ErrDuplicateRequest},
			wantCode: gateway.CodeDuplicate,
		},
		{
			name:     "untyped error",
			body:     `{"jsonrpc":"2.0","id":1,"method":"bolt_inclusionPreconfirmation","params":[{"slot":1,"tx":"` + raw.String() + `"}]}`,
			err:      errors.New("boom"),
			wantCode: gateway.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeHandler{err: tt.err}, &fakePayloads{})

			resp := callRPC(t, srv, tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestFallbackPayload(t *testing.T) {
	payloads := &fakePayloads{payload: &fallback.CachedPayload{
		Slot:             100,
		ExecutionPayload: json.RawMessage(`{"blockNumber":"0x1"}`),
		BlockHash:        common.Hash{0x01},
		BidValue:         uint256.NewInt(42),
	}}
	srv := newTestServer(t, &fakeHandler{}, payloads)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fallback/v1/payload/100", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got fallback.CachedPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, phase0.Slot(100), got.Slot)
	assert.Equal(t, uint256.NewInt(42), got.BidValue)
	assert.JSONEq(t, `{"blockNumber":"0x1"}`, string(got.ExecutionPayload))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fallback/v1/payload/101", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fallback/v1/payload/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	failing := newTestServer(t, &fakeHandler{}, &fakePayloads{err: context.DeadlineExceeded})
	rec = httptest.NewRecorder()
	failing.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fallback/v1/payload/100", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeHandler{}, &fakePayloads{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "holesky", status.Chain)
	assert.Equal(t, uint64(testChainID), status.ChainID)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
