// Package cli holds the bountyhub command tree.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bountyhub/bountyhub/internal/config"
)

// Set by the linker: -ldflags "-X github.com/bountyhub/bountyhub/internal/cli.Version=v1.2.3".
var (
	Version = "dev"
	Commit  = "none"
)

var cfgFile string

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bountyhub",
		Short:        "Bounty marketplace core: task queue, escrow and dispute processing",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./bountyhub.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	root.PersistentFlags().String("store-driver", config.DriverMemory, "document store: memory | sqlite | postgres")
	bindFlag("log_level", root.PersistentFlags(), "log-level")
	bindFlag("store_driver", root.PersistentFlags(), "store-driver")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newDLQCmd())
	root.AddCommand(newVerifyAuditCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// Execute is the entry point called from cmd/bountyhub/main.go.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		v.SetConfigName("bountyhub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(home + "/.bountyhub")
		v.AddConfigPath("/etc/bountyhub")
	}

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) && cmd.Name() != "init" {
			return fmt.Errorf("read config file: %w", err)
		}
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), "config:", v.ConfigFileUsed())
	}
	return nil
}

func buildLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("app", "bountyhub").Logger()
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bountyhub %s (%s)\n", Version, Commit)
		},
	}
}
