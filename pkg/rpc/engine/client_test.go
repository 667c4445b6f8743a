package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newEngineServer answers engine API calls with the result returned by handle
// after checking the bearer token.
func newEngineServer(t *testing.T, handle func(req *rpcRequest) (any, *string)) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		_, err := jwt.Parse(auth, func(_ *jwt.Token) (any, error) {
			return testSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))

		result, rpcErr := handle(&req)

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = map[string]any{"code": -38005, "message": *rpcErr}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestLoadJWTSecret(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "jwt.hex")
	require.NoError(t, os.WriteFile(good, []byte("0x"+strings.Repeat("ab", 32)+"\n"), 0o600))

	secret, err := LoadJWTSecret(good)
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	short := filepath.Join(dir, "short.hex")
	require.NoError(t, os.WriteFile(short, []byte("abcd"), 0o600))

	_, err = LoadJWTSecret(short)
	require.Error(t, err)

	_, err = LoadJWTSecret(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestRequestPayloadBuild(t *testing.T) {
	var gotAttrs map[string]any

	srv := newEngineServer(t, func(req *rpcRequest) (any, *string) {
		assert.Equal(t, "engine_forkchoiceUpdatedV3", req.Method)
		require.Len(t, req.Params, 2)
		require.NoError(t, json.Unmarshal(req.Params[1], &gotAttrs))

		return map[string]any{
			"payloadStatus": map[string]any{"status": "VALID"},
			"payloadId":     "0x0102030405060708",
		}, nil
	})
	defer srv.Close()

	client, err := NewClient(srv.URL, testSecret, logrus.New())
	require.NoError(t, err)

	root := common.Hash{0x0c}
	id, err := client.RequestPayloadBuild(context.Background(), ForkchoiceState{HeadBlockHash: common.Hash{0x01}}, &PayloadAttributes{
		Timestamp:             0x10,
		ParentBeaconBlockRoot: &root,
	})
	require.NoError(t, err)

	assert.Equal(t, PayloadID{1, 2, 3, 4, 5, 6, 7, 8}, id)
	assert.Equal(t, "0x10", gotAttrs["timestamp"])
	assert.Equal(t, root.Hex(), gotAttrs["parentBeaconBlockRoot"])
	assert.Equal(t, []any{}, gotAttrs["withdrawals"])
	assert.NotContains(t, gotAttrs, "builderTxs")
}

func TestRequestPayloadBuild_InvalidStatus(t *testing.T) {
	srv := newEngineServer(t, func(_ *rpcRequest) (any, *string) {
		return map[string]any{
			"payloadStatus": map[string]any{"status": "INVALID", "validationError": "bad head"},
		}, nil
	})
	defer srv.Close()

	client, err := NewClient(srv.URL, testSecret, logrus.New())
	require.NoError(t, err)

	_, err = client.RequestPayloadBuild(context.Background(), ForkchoiceState{}, &PayloadAttributes{})
	require.ErrorContains(t, err, "bad head")
}

func TestGetPayloadRaw_FallsBackOnUnsupportedFork(t *testing.T) {
	var methods []string

	srv := newEngineServer(t, func(req *rpcRequest) (any, *string) {
		methods = append(methods, req.Method)

		if req.Method != "engine_getPayloadV3" {
			msg := "Unsupported fork"
			return nil, &msg
		}

		return map[string]any{
			"executionPayload": map[string]any{"blockHash": common.Hash{0xaa}.Hex()},
			"blockValue":       "0x2a",
		}, nil
	})
	defer srv.Close()

	client, err := NewClient(srv.URL, testSecret, logrus.New())
	require.NoError(t, err)

	payload, value, err := client.GetPayloadRaw(context.Background(), PayloadID{0x01})
	require.NoError(t, err)

	assert.Equal(t, []string{"engine_getPayloadV5", "engine_getPayloadV4", "engine_getPayloadV3"}, methods)
	assert.Equal(t, int64(42), value.Int64())

	hash, err := ParseBlockHashFromPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{0xaa}, hash)
}

func TestNewClient_RejectsShortSecret(t *testing.T) {
	_, err := NewClient("http://localhost:8551", []byte("short"), logrus.New())
	require.Error(t, err)
}

func TestPayloadID_UnmarshalJSON(t *testing.T) {
	var id PayloadID
	require.NoError(t, json.Unmarshal([]byte(`"0x0000000000000001"`), &id))
	assert.Equal(t, "0x0000000000000001", id.String())

	require.Error(t, json.Unmarshal([]byte(`"0x01"`), &id))
}
