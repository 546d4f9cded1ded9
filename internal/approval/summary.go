package approval

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/mbd888/signgate/internal/preflight"
	"github.com/mbd888/signgate/internal/risk"
	"github.com/mbd888/signgate/internal/txbuild"
)

// Field is one labelled line of an action description.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Summary is what an approver sees. It is presentational only; the token
// issued on approval binds to IntentID and TxRequestHash, not to this text.
type Summary struct {
	IntentID      string            `json:"intentId"`
	TxRequestHash string            `json:"txRequestHash"`
	ChainID       int64             `json:"chainId"`
	Wallet        string            `json:"wallet"`
	Action        intent.Kind       `json:"action"`
	Description   string            `json:"description"`
	Fields        []Field           `json:"fields"`
	Decision      policy.Decision   `json:"decision"`
	Preflight     *preflight.Result `json:"preflight,omitempty"`
}

// NewSummary projects an intent, its plan and the evaluation results into a
// Summary. pre may be nil when no simulation ran.
func NewSummary(in *intent.Intent, plan *txbuild.Plan, d policy.Decision, pre *preflight.Result) (*Summary, error) {
	fields, err := intent.Visit[[]Field](in.Action, fielder{wallet: in.Wallet.Address})
	if err != nil {
		return nil, err
	}
	return &Summary{
		IntentID:      in.ID,
		TxRequestHash: plan.Hash,
		ChainID:       in.Chain.ChainID,
		Wallet:        in.Wallet.Address,
		Action:        in.Action.Kind(),
		Description:   plan.Description,
		Fields:        fields,
		Decision:      d,
		Preflight:     pre,
	}, nil
}

type fielder struct{ wallet string }

var _ intent.Visitor[[]Field] = fielder{}

func (fielder) NativeTransfer(a *intent.NativeTransfer) []Field {
	return []Field{{"To", a.To}, {"Amount (wei)", a.Amount}}
}

func (fielder) Transfer(a *intent.TokenTransfer) []Field {
	return []Field{{"Token", a.Token}, {"To", a.To}, {"Amount", a.Amount}}
}

func (fielder) Approve(a *intent.TokenApproval) []Field {
	amount := a.Amount
	if n, err := intent.ParseAmount(a.Amount); err == nil && n.Cmp(intent.MaxUint256) == 0 {
		amount = "UNLIMITED"
	}
	return []Field{{"Token", a.Token}, {"Spender", a.Spender}, {"Allowance", amount}}
}

func (f fielder) SwapExactIn(a *intent.SwapExactIn) []Field {
	return []Field{
		{"Router", a.Router},
		{"Sell", a.AmountIn + " " + a.TokenIn},
		{"Receive at least", a.MinAmountOut + " " + a.TokenOut},
		{"Recipient", intent.SwapRecipient(a.Recipient, f.wallet)},
	}
}

func (f fielder) SwapExactOut(a *intent.SwapExactOut) []Field {
	return []Field{
		{"Router", a.Router},
		{"Buy", a.AmountOut + " " + a.TokenOut},
		{"Spend at most", a.MaxAmountIn + " " + a.TokenIn},
		{"Recipient", intent.SwapRecipient(a.Recipient, f.wallet)},
	}
}

var (
	heading = color.New(color.FgGreen, color.Bold)
	label   = color.New(color.FgHiBlack)
	accent  = color.New(color.FgCyan)
	warn    = color.New(color.FgYellow)
	danger  = color.New(color.FgRed, color.Bold)
)

// Render writes a human-readable summary to w. Colour is emitted only when
// the process output is a terminal.
func (s *Summary) Render(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	heading.Fprintln(w, "  APPROVAL REQUIRED")
	fmt.Fprintln(w, rule)

	fmt.Fprintf(w, "\n  %s %s\n", label.Sprint("Intent:     "), s.IntentID)
	fmt.Fprintf(w, "  %s %d\n", label.Sprint("Chain:      "), s.ChainID)
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Wallet:     "), accent.Sprint(s.Wallet))
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Action:     "), s.Action)
	if s.Description != "" {
		fmt.Fprintf(w, "  %s %s\n", label.Sprint("Description:"), s.Description)
	}
	for _, f := range s.Fields {
		fmt.Fprintf(w, "  %-12s %s\n", f.Label+":", f.Value)
	}
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Tx hash:    "), s.TxRequestHash)

	fmt.Fprintf(w, "\n  Policy: %s\n", s.Decision.Decision)
	for _, r := range s.Decision.Reasons {
		fmt.Fprintf(w, "    - %s\n", r)
	}

	if p := s.Preflight; p != nil {
		fmt.Fprintln(w)
		if p.Success {
			fmt.Fprintf(w, "  Simulation: %s (gas %d)\n", color.GreenString("ok"), p.GasEstimate)
		} else {
			fmt.Fprintf(w, "  Simulation: %s %s\n", danger.Sprint("FAILED"), p.RevertReason)
		}
		fmt.Fprintf(w, "  Risk score: %s\n", riskColor(p.RiskScore).Sprint(p.RiskScore))
		for _, d := range p.BalanceDiffs {
			fmt.Fprintf(w, "    %s %s: %s -> %s (%s)\n", d.Asset, d.Owner, d.Before, d.After, d.Delta)
		}
		for _, d := range p.AllowanceDiffs {
			fmt.Fprintf(w, "    allowance %s -> %s: %s -> %s\n", d.Token, d.Spender, d.Before, d.After)
		}
		for _, msg := range p.Warnings {
			warn.Fprintf(w, "  ! %s\n", msg)
		}
	}
	fmt.Fprintln(w, rule)
}

func riskColor(score int) *color.Color {
	switch risk.LevelOf(score) {
	case risk.LevelHigh:
		return danger
	case risk.LevelElevated:
		return warn
	default:
		return color.New(color.FgGreen)
	}
}
