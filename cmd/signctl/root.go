package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/logging"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the settings shared by every subcommand. Flags are bound into
// v so each may also come from a SIGNCTL_* environment variable.
type app struct {
	v   *viper.Viper
	in  io.Reader
	out io.Writer
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	return newRootCmdWith(in, out, runDeps{})
}

func newRootCmdWith(in io.Reader, out io.Writer, deps runDeps) *cobra.Command {
	a := &app{v: viper.New(), in: in, out: out}
	a.v.SetEnvPrefix("SIGNCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "signctl",
		Short: "Check, approve and sign agent transaction intents",
		Long: `signctl runs a transaction intent through the signing gate: policy,
preflight simulation, human approval and signing.

Examples:
  signctl evaluate intent.json --policy policy.yaml
  signctl run intent.json --rpc-url https://mainnet.base.org --keystore ./keys --from 0x...`,
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("policy", "", "Policy file (YAML or JSON); defaults apply when empty")
	flags.String("log-level", "warn", "Log level: debug, info, warn, error")
	flags.BoolP("json", "j", false, "Output in JSON format")
	_ = a.v.BindPFlags(flags)

	root.AddCommand(a.evaluateCmd(), a.runCmd(deps), a.keygenCmd(), a.versionCmd())
	return root
}

func (a *app) logger() *slog.Logger {
	return logging.NewWithWriter(os.Stderr, a.v.GetString("log-level"), "text")
}

func (a *app) policy() (*policy.Config, error) {
	return policy.LoadConfig(a.v.GetString("policy"))
}

func readIntent(path string) (*intent.Intent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent: %w", err)
	}
	in, err := intent.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid intent: %w", err)
	}
	return in, nil
}
