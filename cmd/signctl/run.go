package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/mbd888/signgate/internal/approval"
	"github.com/mbd888/signgate/internal/audit"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/circuitbreaker"
	"github.com/mbd888/signgate/internal/custody"
	"github.com/mbd888/signgate/internal/intent"
	"github.com/mbd888/signgate/internal/pipeline"
	"github.com/mbd888/signgate/internal/policy"
	"github.com/mbd888/signgate/internal/signing"
	"github.com/mbd888/signgate/internal/txbuild"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// runDeps are the collaborators run needs from outside the process. Tests
// replace them with fakes.
type runDeps struct {
	dial     func(ctx context.Context, url string, chainID int64) (chain.Client, error)
	signer   func(in *intent.Intent) (custody.Signer, error)
	approver func(m *approval.Manager, sink audit.Sink, logger *slog.Logger) approval.Approver
}

func (a *app) runCmd(deps runDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <intent.json>",
		Short: "Simulate, approve, sign and broadcast an intent",
		Long: `Run takes an intent through the full gate: build, preflight simulation,
policy, an interactive y/N prompt when approval is required, then signing with
the keystore account and broadcast.

The keystore passphrase is read from --passphrase-file or prompted for.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args[0], deps)
		},
	}
	flags := cmd.Flags()
	flags.String("rpc-url", "", "JSON-RPC endpoint for the intent's chain (required)")
	flags.String("keystore", "", "Keystore directory holding the wallet key")
	flags.String("passphrase-file", "", "File containing the keystore passphrase")
	flags.Duration("preflight-timeout", 10*time.Second, "Preflight simulation timeout")
	flags.Duration("token-ttl", 5*time.Minute, "Approval token lifetime")
	_ = a.v.BindPFlags(flags)
	return cmd
}

func (a *app) run(ctx context.Context, path string, deps runDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if deps.dial == nil {
		deps.dial = dialRPC
	}
	if deps.signer == nil {
		deps.signer = a.openKeystore
	}
	if deps.approver == nil {
		deps.approver = func(m *approval.Manager, sink audit.Sink, logger *slog.Logger) approval.Approver {
			return approval.NewInteractive(m, sink, logger)
		}
	}

	in, err := readIntent(path)
	if err != nil {
		return err
	}
	cfg, err := a.policy()
	if err != nil {
		return err
	}
	logger := a.logger()

	url := a.v.GetString("rpc-url")
	if url == "" {
		return errors.New("--rpc-url is required")
	}
	rpc, err := deps.dial(ctx, url, in.Chain.ChainID)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	chains, err := chain.GuardRouter(chain.NewSingle(rpc), breaker)
	if err != nil {
		return err
	}
	defer chain.Close(chains)

	signer, err := deps.signer(in)
	if err != nil {
		return err
	}

	gate, err := policy.NewGate(cfg, policy.NewMemoryCounter(logger), logger)
	if err != nil {
		return err
	}
	sink := audit.Multi{audit.NewMemorySink(), audit.NewLogSink(logger)}
	tokens := approval.NewManager(approval.NewMemoryStore(), logger).WithTTL(a.v.GetDuration("token-ttl"))
	svc := pipeline.New(pipeline.Deps{
		Builder:          txbuild.NewEVMBuilder(txbuild.DefaultRouters, logger),
		Gate:             gate,
		Chains:           chains,
		Approver:         deps.approver(tokens, sink, logger),
		Tokens:           tokens,
		Signer:           signing.NewService(signer, tokens, chains, sink, logger),
		Sink:             sink,
		Logger:           logger,
		PreflightTimeout: a.v.GetDuration("preflight-timeout"),
	})

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(a.out))
	s.Suffix = " Simulating transaction..."
	s.Start()
	pre, err := svc.Preflight(ctx, in)
	s.Stop()
	if err != nil {
		return err
	}
	printDecision(a, pre.Decision)
	if pre.Preflight != nil {
		fmt.Fprintf(a.out, "Gas estimate: %d  Risk score: %d\n", pre.Preflight.GasEstimate, pre.Preflight.RiskScore)
	}

	approved, err := svc.RequestApproval(ctx, in)
	if err != nil {
		return err
	}

	req := pipeline.SignRequest{Intent: in}
	if approved.Token != nil {
		req.ApprovalTokenID = approved.Token.ID
		color.New(color.FgGreen).Fprintf(a.out, "\nApproved by %s\n", approved.Approver)
	}

	s.Suffix = " Signing and broadcasting..."
	s.Start()
	signed, err := svc.SignAndSend(ctx, req)
	s.Stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "\nTransaction hash: %s\n", color.CyanString(signed.TxHash))
	if !signed.Broadcast {
		color.New(color.FgYellow).Fprintf(a.out, "Broadcast failed: %s\nThe signed transaction can be resent:\n  %s\n", signed.BroadcastError, signed.RawTx)
		return nil
	}
	color.New(color.FgGreen, color.Bold).Fprintln(a.out, "Broadcast submitted")
	return nil
}

func dialRPC(ctx context.Context, url string, chainID int64) (chain.Client, error) {
	return chain.DialEth(ctx, url, chainID)
}

func (a *app) openKeystore(in *intent.Intent) (custody.Signer, error) {
	dir := a.v.GetString("keystore")
	if dir == "" {
		return nil, errors.New("--keystore is required")
	}
	ks := custody.OpenKeystore(dir)
	addr := common.HexToAddress(in.Wallet.Address)

	pass, err := a.passphrase(addr)
	if err != nil {
		return nil, err
	}
	if err := ks.Unlock(addr, pass, 0); err != nil {
		return nil, fmt.Errorf("unlock %s: %w", addr.Hex(), err)
	}
	return ks, nil
}

func (a *app) passphrase(addr common.Address) (string, error) {
	if path := a.v.GetString("passphrase-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read passphrase file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no --passphrase-file and stdin is not a terminal")
	}
	fmt.Fprintf(a.out, "Passphrase for %s: ", addr.Hex())
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(a.out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(pass), nil
}
