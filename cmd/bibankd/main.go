// Package main provides bibankd - a minimal line-oriented command daemon
// fronting the BiBank engine (internal/engine). Every line read from stdin
// is a JSON command object; every response is one JSON result object
// written to stdout. A companion WebSocket feed (internal/wsfeed) mirrors
// committed entries, matches, and compliance flags to external observers,
// grounded on cmd/klingond/main.go's flag-parse -> config-load -> component
// bootstrap -> signal-wait shutdown sequence, radically thinned since
// bibankd has no P2P surface.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/compliance"
	"github.com/bibank-exchange/bibank/internal/config"
	"github.com/bibank-exchange/bibank/internal/eventbus"
	"github.com/bibank-exchange/bibank/internal/money"
	"github.com/bibank-exchange/bibank/internal/obserr"
	"github.com/bibank-exchange/bibank/internal/oracle"
	"github.com/bibank-exchange/bibank/internal/risk"
	"github.com/bibank-exchange/bibank/internal/wsfeed"
	"github.com/bibank-exchange/bibank/pkg/obslog"

	"github.com/bibank-exchange/bibank/internal/engine"
)

var (
	version = "0.1.0-dev"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.bibank", "Data directory")
		wsAddr      = flag.String("ws", "", "WebSocket feed listen address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bibankd %s\n", version)
		os.Exit(0)
	}

	rtCfg, err := config.LoadRuntimeConfig(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bibankd: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		rtCfg.LogLevel = *logLevel
	}
	if *wsAddr != "" {
		rtCfg.WebsocketAddr = *wsAddr
	}

	log := obslog.New(&obslog.Config{Level: rtCfg.LogLevel})
	obslog.SetDefault(log)

	bus := eventbus.New(log)
	defer bus.Close()

	priceOracle, closeOracle := openPriceOracle(context.Background(), rtCfg, log)
	if closeOracle != nil {
		defer closeOracle()
	}

	e, err := engine.Open(engine.Config{
		JournalDir:    rtCfg.JournalDir,
		ComplianceDir: rtCfg.ComplianceDir,
		ApprovalDir:   rtCfg.ApprovalDir,
		Margin:        risk.DefaultMargin(),
		Params:        config.DefaultParameters(),
		Lookup:        compliance.NewStaticLookup(),
		FailPolicy:    compliance.FailClosed,
		Oracle:        priceOracle,
		Bus:           bus,
		Log:           log,
	})
	if err != nil {
		log.Fatal("failed to open engine", "error", err)
	}
	defer e.Close()
	log.Info("engine opened", "data_dir", rtCfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rtCfg.WebsocketAddr != "" {
		hub := wsfeed.NewHub(bus, log)
		stop := make(chan struct{})
		go hub.Run(stop)
		defer close(stop)

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		server := &http.Server{Addr: rtCfg.WebsocketAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("websocket feed server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		log.Info("websocket feed listening", "addr", rtCfg.WebsocketAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	runCommandLoop(ctx, e, log)
}

// openPriceOracle builds the price oracle bibankd injects into the engine
// (spec.md §1's price-oracle trait). With EVMRPCURL configured it dials a
// Chainlink-style feed per pair registered for EVMChainID
// (internal/config.GetPriceFeeds); otherwise it falls back to an empty
// StaticOracle, matching compliance.NewStaticLookup's default-collaborator
// pattern above. The returned close func is nil when nothing needs closing.
func openPriceOracle(ctx context.Context, rtCfg *config.RuntimeConfig, log *obslog.Logger) (oracle.PriceOracle, func()) {
	if rtCfg.EVMRPCURL == "" {
		return oracle.NewStaticOracle(), nil
	}
	feeds := config.GetPriceFeeds(rtCfg.EVMChainID)
	evmOracle, err := oracle.NewEVMOracle(ctx, rtCfg.EVMRPCURL, feeds)
	if err != nil {
		log.Error("failed to dial EVM price oracle, falling back to static oracle", "error", err)
		return oracle.NewStaticOracle(), nil
	}
	log.Info("EVM price oracle connected", "chain_id", rtCfg.EVMChainID, "feeds", len(feeds))
	return evmOracle, evmOracle.Close
}

// command is one JSON object read from stdin: {"op": "...", ...fields}.
// Only the fields relevant to op need be set; extras are ignored.
type command struct {
	Op            string  `json:"op"`
	CorrelationID string  `json:"correlation_id"`
	UserID        string  `json:"user_id"`
	ToUserID      string  `json:"to_user_id"`
	LiquidatorID  string  `json:"liquidator_id"`
	Asset         string  `json:"asset"`
	Amount        string  `json:"amount"`
	Quote         string  `json:"quote"`
}

type result struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// runCommandLoop reads one JSON command per line from stdin and writes one
// JSON result per line to stdout, until EOF or ctx is cancelled.
func runCommandLoop(ctx context.Context, e *engine.Engine, log *obslog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd command
		if err := json.Unmarshal(line, &cmd); err != nil {
			encoder.Encode(result{OK: false, Error: fmt.Sprintf("invalid command: %v", err)})
			continue
		}

		encoder.Encode(dispatch(ctx, e, cmd))
	}

	if err := scanner.Err(); err != nil {
		log.Error("command loop stopped reading stdin", "error", err)
	}
}

func dispatch(ctx context.Context, e *engine.Engine, cmd command) result {
	amount, err := parseAmount(cmd.Amount)
	if err != nil && requiresAmount(cmd.Op) {
		return errResult(err)
	}

	switch cmd.Op {
	case "genesis":
		res, err := e.Genesis(cmd.CorrelationID, cmd.Asset, amount)
		return commitResult(res, err)
	case "deposit":
		res, err := e.Deposit(cmd.CorrelationID, cmd.UserID, cmd.Asset, amount)
		return commitResult(res, err)
	case "withdrawal":
		res, err := e.Withdrawal(cmd.CorrelationID, cmd.UserID, cmd.Asset, amount)
		return commitResult(res, err)
	case "transfer":
		res, err := e.Transfer(cmd.CorrelationID, cmd.UserID, cmd.ToUserID, cmd.Asset, amount)
		return commitResult(res, err)
	case "borrow":
		res, err := e.Borrow(cmd.CorrelationID, cmd.UserID, cmd.Asset, amount)
		return commitResult(res, err)
	case "repay":
		res, err := e.Repay(cmd.CorrelationID, cmd.UserID, cmd.Asset, amount)
		return commitResult(res, err)
	case "liquidate":
		res, err := e.Liquidate(cmd.CorrelationID, cmd.UserID, cmd.Asset, cmd.LiquidatorID)
		return commitResult(res, err)
	case "balance":
		bal := e.Balance(account.UserAvailable(cmd.UserID, cmd.Asset))
		return result{OK: true, Data: map[string]string{"available": bal.FloatString(money.Scale)}}
	case "portfolio":
		equity, err := e.PortfolioEquity(ctx, cmd.UserID, cmd.Quote)
		if err != nil {
			return errResult(err)
		}
		return result{OK: true, Data: map[string]string{"equity_" + cmd.Quote: equity.FloatString(money.Scale)}}
	default:
		return result{OK: false, Error: fmt.Sprintf("unknown op %q", cmd.Op)}
	}
}

func requiresAmount(op string) bool {
	switch op {
	case "genesis", "deposit", "withdrawal", "transfer", "borrow", "repay":
		return true
	default:
		return false
	}
}

func parseAmount(s string) (money.Amount, error) {
	if s == "" {
		return money.Zero(), nil
	}
	return money.FromDecimalString(s)
}

func commitResult(res *engine.CommitResult, err error) result {
	if err != nil {
		return errResult(err)
	}
	if res.Pending() {
		return result{OK: true, Data: map[string]string{"pending_approval_id": res.PendingApprovalID}}
	}
	return result{OK: true, Data: map[string]interface{}{
		"sequence": res.Entry.Sequence,
		"hash":     res.Entry.Hash,
		"intent":   res.Entry.Intent,
	}}
}

func errResult(err error) result {
	if ce, ok := err.(*obserr.CodedError); ok {
		return result{OK: false, Error: ce.Error(), Code: string(ce.Code)}
	}
	return result{OK: false, Error: err.Error()}
}
