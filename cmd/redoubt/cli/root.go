// Package cli implements the redoubt command-line interface using Cobra:
// serving the gateway, validating configuration, and verifying the audit
// trail.
package cli

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/majorcontext/redoubt/internal/config"
	"github.com/majorcontext/redoubt/internal/log"
)

// Exit codes, stable for supervisors.
const (
	ExitOK         = 0
	ExitConfig     = 1
	ExitBind       = 2
	ExitTLS        = 3
	ExitInternal   = 10
	ExitAuditBroke = 11
)

var (
	verbose bool
	jsonOut bool
	cfgPath string
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:   "redoubt",
	Short: "Redoubt - credential-sanitizing proxy gateway for agent sandboxes",
	Long: `Redoubt sits between an untrusted agent sandbox and the internet.
Agents hold opaque placeholders; redoubt swaps them for real credentials on
the way out (bearer substitution, AWS SigV4, HMAC) and redacts any real
credential that tries to come back in. Agents are admitted by mutual TLS.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(log.Options{
			Verbose:    verbose,
			JSONFormat: jsonOut,
			DebugDir:   debugDir(),
		}); err != nil {
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer log.Close()
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}
	log.Error("command failed", "error", err)
	rootCmd.PrintErrln("Error:", err)

	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var verr *config.ValidationError
	var missing *config.MissingSecretError
	if errors.As(err, &verr) || errors.As(err, &missing) {
		return ExitConfig
	}
	return ExitInternal
}

// configPath resolves the configuration file: --config flag, then
// REDOUBT_CONFIG, then ./redoubt.yaml.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	if v := os.Getenv(config.EnvConfigPath); v != "" {
		return v
	}
	return "redoubt.yaml"
}

// stateDir is where redoubt keeps generated material (dev CA, debug logs).
func stateDir() string {
	if v := os.Getenv("REDOUBT_STATE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".redoubt"
	}
	return filepath.Join(home, ".redoubt")
}

func debugDir() string {
	return filepath.Join(stateDir(), "debug")
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log in JSON format")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (env: REDOUBT_CONFIG)")
}
