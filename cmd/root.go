// Package cmd implements the CLI commands for preconfoor.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ethpandaops/preconfoor/pkg/chain"
	"github.com/ethpandaops/preconfoor/pkg/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "preconfoor",
	Short: "Proposer preconfirmation sidecar",
	Long: `Preconfoor runs next to a proposer's beacon node. It signs inclusion
commitments for the proposer's upcoming slots, forwards them to builders
and keeps a locally built fallback payload ready.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogger()

		return initConfig()
	},
}

func init() {
	v = viper.New()
	cobra.OnInitialize(loadConfigFile)

	defaults := config.DefaultConfig()

	chains := make([]string, 0, len(chain.Chains()))
	for _, c := range chain.Chains() {
		chains = append(chains, string(c))
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("chain", "", "Chain: "+strings.Join(chains, ", "))
	rootCmd.PersistentFlags().String("private-key", "", "BLS private key commitments are signed with (hex)")
	rootCmd.PersistentFlags().String("validator-indexes", "", "Validator indexes to commit for, e.g. 1,2..4,6..8")
	rootCmd.PersistentFlags().String("beacon-api-url", "", "Beacon node API URL")
	rootCmd.PersistentFlags().String("execution-api-url", "", "Execution layer JSON-RPC URL")
	rootCmd.PersistentFlags().String("engine-api-url", "", "Execution layer engine API URL (enables engine API fallback builds)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "Path to JWT secret file for engine API authentication")
	rootCmd.PersistentFlags().String("fee-recipient", "", "Fee recipient of fallback payloads")
	rootCmd.PersistentFlags().String("collector-url", "", "Constraints collector websocket URL")
	rootCmd.PersistentFlags().StringSlice("builder-urls", nil, "Builder URLs finalized constraints are posted to")
	rootCmd.PersistentFlags().Int("api-port", defaults.APIPort, "HTTP API port (0 = disabled)")
	rootCmd.PersistentFlags().Int64("commitment-deadline", 0, "Commitment deadline in ms after the head (0 = chain default)")
	rootCmd.PersistentFlags().Int64("slot-time", 0, "Slot time in ms (0 = chain default)")
	rootCmd.PersistentFlags().Int64("fallback-build-timeout", 0, "Fallback build time box in ms (0 = default)")
	rootCmd.PersistentFlags().Int("dedup-cache-size", 0, "Number of slots the request dedup cache holds (0 = default)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	// Bind all flags to viper
	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initLogger() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	levelStr := v.GetString("log-level")

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
}

// loadConfigFile makes PRECONFOOR_* environment variables visible to viper.
// The YAML file itself is decoded by the config loader.
func loadConfigFile() {
	v.SetEnvPrefix("preconfoor")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// initConfig layers defaults, the config file and explicitly set flags.
func initConfig() error {
	loader := config.NewLoader(logger)

	base := config.DefaultConfig()

	if cfgFile != "" {
		fileCfg, err := loader.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		base = fileCfg
	}

	flagCfg, err := loader.LoadConfigFromFlags(v)
	if err != nil {
		return err
	}

	cfg = config.MergeConfigs(base, flagCfg)

	return nil
}
