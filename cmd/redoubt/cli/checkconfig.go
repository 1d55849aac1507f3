package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/majorcontext/redoubt/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and show the binding table",
	Long: `Validate the configuration, resolve secret references, and print
the binding table (placeholders, strategy kinds and allowed hosts only —
never secret material). Exit code 1 on any validation or resolution failure.`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return exitWith(ExitConfig, err)
	}
	snap, _, err := cfg.Build()
	if err != nil {
		return exitWith(ExitConfig, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration %s: OK\n", path)
	fmt.Fprintf(out, "Listener: %s (fail_mode=%s)\n", cfg.Listener.BindAddr, cfg.Policy.FailMode)
	fmt.Fprintf(out, "Bindings: %d\n", snap.Len())
	for i := 0; i < snap.Len(); i++ {
		b := snap.Binding(i)
		hosts := make([]string, len(b.AllowedHosts))
		for j, h := range b.AllowedHosts {
			hosts[j] = h.String()
		}
		fmt.Fprintf(out, "  %-24s %-14s -> %s\n",
			string(b.Placeholder), b.Strategy.Kind, strings.Join(hosts, ", "))
	}
	return nil
}
