// Package execution provides a plain JSON-RPC client for the execution layer.
package execution

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Client reads chain data the fallback builder builds on.
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	rpcURL    string
	log       logrus.FieldLogger
}

// NewClient creates a new EL JSON-RPC client (no JWT).
func NewClient(ctx context.Context, rpcURL string, log logrus.FieldLogger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EL RPC: %w", err)
	}

	return &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		rpcURL:    rpcURL,
		log:       log.WithField("component", "rpc-client"),
	}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return chainID, nil
}

// LatestHeader returns the header of the latest block.
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get header: %w", err)
	}

	return header, nil
}
