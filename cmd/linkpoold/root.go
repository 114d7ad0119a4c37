package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/risa-org/linkpool/config"
)

// version is set at build time via -ldflags "-X main.version=x.y.z"
var version = "0.1.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "linkpoold",
	Short: "Multiplex one ordered byte stream over a pool of links",
	Long: `linkpoold keeps a control link and one or more data links to a peer,
spreads outgoing segments across every connected data link, and lets
links be switched, added or removed while traffic keeps flowing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the linkpoold version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "linkpoold version %s\n", version)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and list the adapters it defines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "node %s: segment capacity %d\n", cfg.Node, cfg.Segment.Capacity)
		if cfg.Adapters.Control.Driver == "" {
			fmt.Fprintln(out, "no adapters configured")
			return nil
		}
		ac := cfg.Adapters.Control
		fmt.Fprintf(out, "control %d: %s %s %s\n", ac.ID, ac.Driver, ac.Mode, ac.Addr)
		for _, ac := range cfg.Adapters.Data {
			fmt.Fprintf(out, "data %d: %s %s %s\n", ac.ID, ac.Driver, ac.Mode, ac.Addr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./linkpool.yaml or $LINKPOOL_CONFIG)")
	rootCmd.AddCommand(versionCmd, checkCmd, serveCmd)
}
