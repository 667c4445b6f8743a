// Package engine provides a JWT-authenticated client for the execution layer
// engine API, used to have the local execution client build fallback payloads.
package engine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// PayloadID is an 8-byte identifier for a payload being built.
type PayloadID [8]byte

// UnmarshalJSON implements json.Unmarshaler for PayloadID.
// Handles hex string format like "0x0123456789abcdef".
func (p *PayloadID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), "\"")
	s = strings.TrimPrefix(s, "0x")

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid payload ID hex: %w", err)
	}

	if len(b) != 8 {
		return fmt.Errorf("invalid payload ID length: got %d, want 8", len(b))
	}

	copy(p[:], b)

	return nil
}

// String returns the 0x-prefixed hex form.
func (p PayloadID) String() string {
	return fmt.Sprintf("0x%x", p[:])
}

// PayloadAttributes contains the attributes for building a new payload.
type PayloadAttributes struct {
	Timestamp             uint64
	PrevRandao            common.Hash
	SuggestedFeeRecipient common.Address
	Withdrawals           []*types.Withdrawal
	ParentBeaconBlockRoot *common.Hash
	// BuilderTxs are placed at the top of the block, in order.
	BuilderTxs []*types.Transaction
}

// ForkchoiceState represents the forkchoice state for engine API calls.
type ForkchoiceState struct {
	HeadBlockHash      common.Hash `json:"headBlockHash"`
	SafeBlockHash      common.Hash `json:"safeBlockHash"`
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

// ForkchoiceUpdatedResponse is the response from engine_forkchoiceUpdatedV3.
type ForkchoiceUpdatedResponse struct {
	PayloadStatus PayloadStatus `json:"payloadStatus"`
	PayloadID     *PayloadID    `json:"payloadId"`
}

// PayloadStatus represents the status of a payload.
type PayloadStatus struct {
	Status          string       `json:"status"`
	LatestValidHash *common.Hash `json:"latestValidHash"`
	ValidationError *string      `json:"validationError"`
}

// GetPayloadResponse is the response from engine_getPayloadV3..V5.
type GetPayloadResponse struct {
	ExecutionPayload      json.RawMessage `json:"executionPayload"`
	BlockValue            string          `json:"blockValue"`
	BlobsBundle           json.RawMessage `json:"blobsBundle"`
	ShouldOverrideBuilder bool            `json:"shouldOverrideBuilder"`
	ExecutionRequests     []string        `json:"executionRequests"`
}

// Client handles JWT-authenticated engine API calls.
type Client struct {
	jwtSecret []byte
	engineURL string
	log       logrus.FieldLogger
}

// LoadJWTSecret reads a hex encoded 32 byte JWT secret file.
func LoadJWTSecret(path string) ([]byte, error) {
	jwtData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT secret: %w", err)
	}

	jwtHex := strings.TrimSpace(string(jwtData))
	jwtHex = strings.TrimPrefix(jwtHex, "0x")

	jwtSecret, err := hex.DecodeString(jwtHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT secret: %w", err)
	}

	if len(jwtSecret) != 32 {
		return nil, fmt.Errorf("JWT secret must be 32 bytes, got %d", len(jwtSecret))
	}

	return jwtSecret, nil
}

// NewClient creates a new engine API client authenticating with jwtSecret.
func NewClient(engineURL string, jwtSecret []byte, log logrus.FieldLogger) (*Client, error) {
	if len(jwtSecret) != 32 {
		return nil, fmt.Errorf("JWT secret must be 32 bytes, got %d", len(jwtSecret))
	}

	return &Client{
		jwtSecret: jwtSecret,
		engineURL: engineURL,
		log:       log.WithField("component", "engine-client"),
	}, nil
}

// generateJWT creates a short-lived JWT token for engine API authentication.
func (c *Client) generateJWT() (string, error) {
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(c.jwtSecret)
}

// call makes an authenticated RPC call. Tokens are only valid for a short
// window, so every call dials with a fresh one.
func (c *Client) call(ctx context.Context, method string, result any, args ...any) error {
	token, err := c.generateJWT()
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	rpcClient, err := rpc.DialOptions(ctx, c.engineURL,
		rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Bearer "+token)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to engine API: %w", err)
	}
	defer rpcClient.Close()

	return rpcClient.CallContext(ctx, result, method, args...)
}

// RequestPayloadBuild starts a payload build on top of headBlockHash and
// returns the payload ID to fetch it with.
func (c *Client) RequestPayloadBuild(
	ctx context.Context,
	state ForkchoiceState,
	attrs *PayloadAttributes,
) (PayloadID, error) {
	attrsMap := map[string]any{
		"timestamp":             fmt.Sprintf("0x%x", attrs.Timestamp),
		"prevRandao":            attrs.PrevRandao.Hex(),
		"suggestedFeeRecipient": attrs.SuggestedFeeRecipient.Hex(),
	}

	// Withdrawals must always be present post-Capella, even if empty.
	withdrawals := make([]map[string]any, 0, len(attrs.Withdrawals))
	for _, w := range attrs.Withdrawals {
		withdrawals = append(withdrawals, map[string]any{
			"index":          fmt.Sprintf("0x%x", w.Index),
			"validatorIndex": fmt.Sprintf("0x%x", w.Validator),
			"address":        w.Address.Hex(),
			"amount":         fmt.Sprintf("0x%x", w.Amount),
		})
	}

	attrsMap["withdrawals"] = withdrawals

	if attrs.ParentBeaconBlockRoot != nil {
		attrsMap["parentBeaconBlockRoot"] = attrs.ParentBeaconBlockRoot.Hex()
	}

	if len(attrs.BuilderTxs) > 0 {
		builderTxsJSON := make([]json.RawMessage, 0, len(attrs.BuilderTxs))

		for _, tx := range attrs.BuilderTxs {
			txJSON, err := tx.MarshalJSON()
			if err != nil {
				return PayloadID{}, fmt.Errorf("failed to marshal builder tx to JSON: %w", err)
			}

			builderTxsJSON = append(builderTxsJSON, txJSON)
		}

		attrsMap["builderTxs"] = builderTxsJSON
	}

	var response ForkchoiceUpdatedResponse
	if err := c.call(ctx, "engine_forkchoiceUpdatedV3", &response, state, attrsMap); err != nil {
		return PayloadID{}, fmt.Errorf("forkchoiceUpdated failed: %w", err)
	}

	if response.PayloadStatus.Status != "VALID" && response.PayloadStatus.Status != "SYNCING" {
		if response.PayloadStatus.ValidationError != nil {
			return PayloadID{}, fmt.Errorf("forkchoice status %s: %s",
				response.PayloadStatus.Status, *response.PayloadStatus.ValidationError)
		}

		return PayloadID{}, fmt.Errorf("forkchoice status: %s", response.PayloadStatus.Status)
	}

	if response.PayloadID == nil {
		return PayloadID{}, fmt.Errorf("no payload ID returned")
	}

	return *response.PayloadID, nil
}

// GetPayloadRaw retrieves a built payload and returns its raw JSON and value.
// Tries V5, V4, V3 in order based on fork support.
func (c *Client) GetPayloadRaw(ctx context.Context, payloadID PayloadID) (json.RawMessage, *big.Int, error) {
	var response GetPayloadResponse

	err := c.call(ctx, "engine_getPayloadV5", &response, payloadID.String())
	if err != nil && strings.Contains(err.Error(), "Unsupported fork") {
		c.log.Debug("engine_getPayloadV5 unsupported, trying V4")

		err = c.call(ctx, "engine_getPayloadV4", &response, payloadID.String())
	}

	if err != nil && strings.Contains(err.Error(), "Unsupported fork") {
		c.log.Debug("engine_getPayloadV4 unsupported, trying V3")

		err = c.call(ctx, "engine_getPayloadV3", &response, payloadID.String())
	}

	if err != nil {
		return nil, nil, fmt.Errorf("getPayload failed: %w", err)
	}

	blockValue := new(big.Int)
	if _, ok := blockValue.SetString(strings.TrimPrefix(response.BlockValue, "0x"), 16); !ok {
		return nil, nil, fmt.Errorf("failed to parse block value: %s", response.BlockValue)
	}

	return response.ExecutionPayload, blockValue, nil
}

// ParseBlockHashFromPayload extracts the block hash from a raw execution payload JSON.
func ParseBlockHashFromPayload(payloadJSON json.RawMessage) (common.Hash, error) {
	var payload struct {
		BlockHash string `json:"blockHash"`
	}

	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if payload.BlockHash == "" {
		return common.Hash{}, fmt.Errorf("blockHash not found in payload")
	}

	return common.HexToHash(payload.BlockHash), nil
}
