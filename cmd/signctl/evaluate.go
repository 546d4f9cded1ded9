package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/spf13/cobra"
)

var errDenied = errors.New("intent denied by policy")

func (a *app) evaluateCmd() *cobra.Command {
	var riskScore int
	cmd := &cobra.Command{
		Use:   "evaluate <intent.json>",
		Short: "Check an intent against the policy without touching the chain",
		Long: `Evaluate runs the policy rules over an intent file offline. No RPC is
contacted, the rate limit is not consulted and nothing is signed.

Pass --risk-score to include the risk ceiling rule as if a preflight had
produced that score. The command exits non-zero on a deny.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readIntent(args[0])
			if err != nil {
				return err
			}
			cfg, err := a.policy()
			if err != nil {
				return err
			}

			var ec policy.EvalContext
			if cmd.Flags().Changed("risk-score") {
				ec.RiskScore = &riskScore
			}
			d := policy.Evaluate(in, cfg, ec)

			if a.v.GetBool("json") {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			} else {
				printDecision(a, d)
			}
			if d.Decision == policy.Deny {
				return errDenied
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&riskScore, "risk-score", 0, "Risk score (0-100) to evaluate against maxRiskScore")
	return cmd
}

func printDecision(a *app, d policy.Decision) {
	var c *color.Color
	switch d.Decision {
	case policy.Allow:
		c = color.New(color.FgGreen, color.Bold)
	case policy.RequireApproval:
		c = color.New(color.FgYellow, color.Bold)
	default:
		c = color.New(color.FgRed, color.Bold)
	}
	fmt.Fprintf(a.out, "\nDecision: %s  (policy v%s)\n", c.Sprint(d.Decision), d.PolicyVersion)
	for _, r := range d.Reasons {
		fmt.Fprintf(a.out, "  - %s\n", r)
	}
	fmt.Fprintln(a.out)
}
