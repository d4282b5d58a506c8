// stamn-agent keeps an agent connected to the Stamn orchestration server.
//
// Usage:
//
//	stamn-agent [run] [--config path] [--log-level level] [--server-url url]
//	stamn-agent spend --amount 500 --category api --rail internal --description "..."
//	stamn-agent version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/stamn/agent/internal/agent"
	"github.com/stamn/agent/internal/config"
	"github.com/stamn/agent/internal/spend"
	"github.com/stamn/agent/internal/version"
	"github.com/stamn/agent/internal/wire"
	"github.com/stamn/agent/pkg/logger"
)

// exitAuthFailed is the exit status for rejected credentials.
const exitAuthFailed = 3

// spendConnectTimeout bounds how long the spend command waits to
// authenticate.
const spendConnectTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, agent.ErrAuthFailed) {
		os.Exit(exitAuthFailed)
	}
	os.Exit(1)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runAgent(ctx, args)
	case "spend":
		return runSpend(ctx, args, stdout)
	case "version":
		fmt.Fprintf(stdout, "stamn-agent %s\n", version.RichVersion())
		return nil
	case "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: stamn-agent <command> [flags]

Commands:
  run       Connect and serve the agent until interrupted (default)
  spend     Send one spend request and print the outcome
  version   Print the version

Run "stamn-agent <command> --help" for command flags.
`)
}

// commonFlags are shared by run and spend.
type commonFlags struct {
	configFile string
	logLevel   string
	serverURL  string
	agentID    string
	apiKey     string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&c.configFile, "config", "", "path to the TOML config file (default: $STAMN_CONFIG or ~/.stamn/config.toml)")
	fs.StringVar(&c.logLevel, "log-level", "", "override the log level (trace|debug|info|warn|error|fatal)")
	fs.StringVar(&c.serverURL, "server-url", "", "override the server URL")
	fs.StringVar(&c.agentID, "agent-id", "", "override the agent id")
	fs.StringVar(&c.apiKey, "api-key", "", "override the api key")
}

// load resolves the configuration and applies flag overrides on top.
func (c *commonFlags) load() (*config.Config, error) {
	var opts []config.Option
	if c.configFile != "" {
		opts = append(opts, config.WithConfigFile(c.configFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.serverURL != "" {
		cfg.ServerURL = c.serverURL
	}
	if c.agentID != "" {
		cfg.AgentID = c.agentID
	}
	if c.apiKey != "" {
		cfg.APIKey = c.apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.Level())
	return cfg, nil
}

func runAgent(ctx context.Context, args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	a, err := agent.New(cfg)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

type spendFlags struct {
	commonFlags
	amount           int64
	category         string
	rail             string
	vendor           string
	description      string
	recipientAgent   string
	recipientAddress string
}

func parseSpendFlags(args []string) (*spendFlags, error) {
	var f spendFlags
	fs := pflag.NewFlagSet("spend", pflag.ContinueOnError)
	f.commonFlags.add(fs)
	fs.Int64Var(&f.amount, "amount", 0, "amount in cents (required)")
	fs.StringVar(&f.category, "category", "", "spend category: api|compute|contractor|transfer (required)")
	fs.StringVar(&f.rail, "rail", "", "payment rail: crypto_onchain|x402|internal (required)")
	fs.StringVar(&f.vendor, "vendor", "", "vendor name")
	fs.StringVar(&f.description, "description", "", "spend description (required)")
	fs.StringVar(&f.recipientAgent, "recipient-agent", "", "recipient agent id, for agent-to-agent transfers")
	fs.StringVar(&f.recipientAddress, "recipient-address", "", "recipient wallet address, for on-chain transfers")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for _, name := range []string{"amount", "category", "rail", "description"} {
		if !fs.Changed(name) {
			return nil, fmt.Errorf("--%s is required", name)
		}
	}
	return &f, nil
}

func (f *spendFlags) params() spend.Params {
	return spend.Params{
		AmountCents:      f.amount,
		Category:         wire.SpendCategory(f.category),
		Rail:             wire.SpendRail(f.rail),
		Vendor:           f.vendor,
		Description:      f.description,
		RecipientAgentID: f.recipientAgent,
		RecipientAddress: f.recipientAddress,
	}
}

func runSpend(ctx context.Context, args []string, stdout io.Writer) error {
	f, err := parseSpendFlags(args)
	if err != nil {
		return err
	}
	params := f.params()
	if err := params.Validate(); err != nil {
		return err
	}
	cfg, err := f.load()
	if err != nil {
		return err
	}
	a, err := agent.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintln(stdout, "Connecting to Stamn...")
	if err := a.Start(); err != nil {
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, spendConnectTimeout)
	err = a.WaitConnected(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Authenticated. Sending spend request...")
	fmt.Fprintln(stdout)

	res, err := a.Spend(ctx, params)
	if err != nil {
		return err
	}
	printResult(stdout, res)
	return nil
}

func printResult(w io.Writer, res spend.Result) {
	if !res.Approved {
		fmt.Fprintln(w, "Spend DENIED")
		fmt.Fprintf(w, "  Reason: %s\n", res.Reason)
		fmt.Fprintf(w, "  Code:   %s\n", res.Code)
		return
	}
	fmt.Fprintln(w, "Spend APPROVED")
	fmt.Fprintf(w, "  Ledger Entry: %s\n", res.LedgerEntryID)
	if res.TransactionHash != "" {
		fmt.Fprintf(w, "  Tx Hash:      %s\n", res.TransactionHash)
	}
	fmt.Fprintf(w, "  Remaining:    %d cents\n", res.RemainingBalanceCents)
}
