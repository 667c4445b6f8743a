package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/preconfoor/pkg/api"
	"github.com/ethpandaops/preconfoor/pkg/chain"
	"github.com/ethpandaops/preconfoor/pkg/collector"
	"github.com/ethpandaops/preconfoor/pkg/config"
	"github.com/ethpandaops/preconfoor/pkg/constraints"
	"github.com/ethpandaops/preconfoor/pkg/coordinator"
	"github.com/ethpandaops/preconfoor/pkg/fallback"
	"github.com/ethpandaops/preconfoor/pkg/gateway"
	"github.com/ethpandaops/preconfoor/pkg/relay"
	"github.com/ethpandaops/preconfoor/pkg/rpc/beacon"
	"github.com/ethpandaops/preconfoor/pkg/rpc/engine"
	"github.com/ethpandaops/preconfoor/pkg/rpc/execution"
	"github.com/ethpandaops/preconfoor/pkg/signer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sidecar",
	Long: `Starts the sidecar, connecting to the beacon and execution nodes,
and serves preconfirmation requests until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := config.ValidateConfig(cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		params, err := cfg.ChainParams()
		if err != nil {
			return err
		}

		// 1. Initialize BLS signer
		blsSigner, err := signer.NewBLSSigner(cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("invalid private key: %w", err)
		}

		pubkey := blsSigner.PublicKey()
		logger.WithFields(logrus.Fields{
			"pubkey":     fmt.Sprintf("%#x", pubkey[:]),
			"chain":      params.Name,
			"validators": cfg.ValidatorIndexes.String(),
		}).Info("Commitment key loaded")

		// 2. Initialize CL client
		logger.Info("Connecting to consensus layer...")

		clClient, err := beacon.NewClient(ctx, cfg.BeaconAPIURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to CL: %w", err)
		}
		defer clClient.Close()

		logger.WithField("url", clClient.GetBaseURL()).Info("Connected to consensus layer")

		genesis, err := clClient.GetGenesis(ctx)
		if err != nil {
			return fmt.Errorf("failed to get genesis: %w", err)
		}

		if genesis.GenesisForkVersion != params.GenesisForkVersion {
			logger.WithFields(logrus.Fields{
				"beacon_fork_version": fmt.Sprintf("%#x", genesis.GenesisForkVersion[:]),
				"chain_fork_version":  fmt.Sprintf("%#x", params.GenesisForkVersion[:]),
			}).Warn("Beacon node genesis fork version differs from the configured chain")
		}

		// 3. Initialize EL client
		logger.Info("Connecting to execution layer...")

		elClient, err := execution.NewClient(ctx, cfg.ExecutionAPIURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to EL: %w", err)
		}
		defer elClient.Close()

		if chainID, err := elClient.GetChainID(ctx); err != nil {
			logger.WithError(err).Warn("Failed to read execution chain ID")
		} else if chainID.Uint64() != params.ChainID {
			logger.WithFields(logrus.Fields{
				"execution_chain_id": chainID,
				"chain_id":           params.ChainID,
			}).Warn("Execution node chain ID differs from the configured chain")
		}

		// 4. Initialize fallback builder
		assembler, err := newAssembler(clClient, elClient, params, genesis)
		if err != nil {
			return err
		}

		builder := fallback.NewBuilder(assembler, cfg.FallbackBuildTimeout(), logger)

		// 5. Initialize gateway and event loop collaborators
		gw, err := gateway.NewGateway(cfg.DedupCacheSize, logger)
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}

		state := constraints.NewState(params, cfg.ValidatorIndexes, clClient, logger)

		headStream := clClient.HeadStream()
		if err := headStream.Start(ctx); err != nil {
			return fmt.Errorf("failed to start head stream: %w", err)
		}

		opts := &coordinator.Options{
			Params:  params,
			Signer:  blsSigner,
			State:   state,
			Gateway: gw,
			Builder: builder,
			Heads:   headStream.Events(),
		}

		if cfg.CollectorURL != "" {
			collectorClient := collector.NewClient(cfg.CollectorURL, logger)
			if err := collectorClient.Start(ctx); err != nil {
				return fmt.Errorf("failed to start collector link: %w", err)
			}
			defer collectorClient.Stop()

			opts.Frames = collectorClient.Frames()
			opts.Pooler = collectorClient
		}

		if len(cfg.BuilderURLs) > 0 {
			opts.Submitter = relay.NewConstraintsClient(cfg.BuilderURLs, logger)
		}

		loop, err := coordinator.New(opts, logger)
		if err != nil {
			return fmt.Errorf("failed to create event loop: %w", err)
		}

		// 6. Start API server (if configured)
		if cfg.APIPort > 0 {
			apiServer, err := api.NewServer(cfg.APIPort, params.ChainID, gw, loop, &api.Status{
				Chain:            string(params.Name),
				ChainID:          params.ChainID,
				Pubkey:           fmt.Sprintf("%#x", pubkey[:]),
				ValidatorIndexes: cfg.ValidatorIndexes.String(),
				Version:          Release,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create API server: %w", err)
			}

			if err := apiServer.Start(ctx); err != nil {
				return fmt.Errorf("failed to start API server: %w", err)
			}

			defer func() {
				if err := apiServer.Stop(); err != nil {
					logger.WithError(err).Warn("Failed to stop API server")
				}
			}()
		}

		// 7. Run the event loop
		loopDone := make(chan error, 1)

		go func() {
			loopDone <- loop.Run(ctx)
		}()

		logger.Info("Sidecar is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("Received shutdown signal")
		case err := <-loopDone:
			return err
		}

		cancel()

		return <-loopDone
	},
}

// newAssembler picks the engine API assembler when an engine endpoint is
// configured and the header template assembler otherwise.
func newAssembler(
	clClient *beacon.Client,
	elClient *execution.Client,
	params *chain.Params,
	genesis *beacon.Genesis,
) (fallback.PayloadAssembler, error) {
	var feeRecipient common.Address
	if cfg.FeeRecipient != "" {
		feeRecipient = common.HexToAddress(cfg.FeeRecipient)
	}

	if cfg.EngineAPIURL == "" {
		logger.Warn("No engine API configured, fallback payloads are unexecuted templates")

		return fallback.NewTemplateAssembler(elClient, params, genesis.GenesisTime, feeRecipient), nil
	}

	jwtSecret, err := engine.LoadJWTSecret(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	engineClient, err := engine.NewClient(cfg.EngineAPIURL, jwtSecret, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine API client: %w", err)
	}

	logger.WithField("url", cfg.EngineAPIURL).Info("Fallback payloads are built by the engine API")

	return fallback.NewEngineAssembler(clClient, engineClient, params, genesis.GenesisTime, feeRecipient), nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
