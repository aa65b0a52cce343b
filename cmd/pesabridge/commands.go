package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"pesabridge/internal/api"
	"pesabridge/internal/attempts"
	"pesabridge/internal/config"
	"pesabridge/internal/funding"
	"pesabridge/internal/metrics"
	"pesabridge/internal/orchestrator"
	"pesabridge/internal/poller"
	"pesabridge/internal/sandbox"
	"pesabridge/internal/signing"
)

// deps holds everything a command needs, wired once from config.
type deps struct {
	cfg          *config.AppConfig
	logger       *slog.Logger
	client       *api.Client
	orchestrator *orchestrator.Orchestrator
	poller       *poller.Poller
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	var tokens api.TokenSource
	if cfg.SessionToken != "" {
		tokens = &api.SessionTokenSource{
			BaseURL:      cfg.BackendBaseURL,
			SessionToken: cfg.SessionToken,
		}
	} else {
		tokens = api.StaticTokenSource("dev")
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: cfg.BackendBaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	var fundClient funding.Client
	if cfg.PrivateKey != "" && cfg.RPCURL != "" {
		eth, err := funding.NewEthClient(ctx, funding.EthClientConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKeyHex: cfg.PrivateKey,
		})
		if err != nil {
			return nil, fmt.Errorf("funding client: %w", err)
		}
		fundClient = eth
	} else {
		logger.Warn("no wallet key configured, using fake funding client")
		fundClient = &funding.FakeClient{Chain: cfg.ChainID}
	}

	var signer signing.Signer
	if cfg.PrivateKey != "" {
		signer, err = signing.NewKeySigner(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
	}

	store, err := buildAttemptStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	p := poller.New(client, m, logger)
	orch, err := orchestrator.New(orchestrator.Config{
		Backend: client,
		Funding: fundClient,
		Signer:  signer,
		Store:   store,
		Poller:  p,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	return &deps{cfg: cfg, logger: logger, client: client, orchestrator: orch, poller: p}, nil
}

func buildAttemptStore(ctx context.Context, cfg *config.AppConfig) (attempts.Store, error) {
	switch cfg.AttemptStore {
	case "file":
		return attempts.NewFileStore(cfg.AttemptStorePath)
	case "postgres":
		return attempts.NewPostgresStore(ctx, cfg.AttemptStoreDSN)
	default:
		return attempts.NewMemoryStore(), nil
	}
}

func flowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "flow", Usage: "onramp, offramp, paybill or buygoods", Required: true},
		&cli.Float64Flag{Name: "amount", Usage: "amount in KES", Required: true},
		&cli.StringFlag{Name: "currency", Value: "KES"},
		&cli.StringFlag{Name: "phone", Usage: "recipient phone (onramp/offramp)"},
		&cli.StringFlag{Name: "paybill", Usage: "paybill business number"},
		&cli.StringFlag{Name: "till", Usage: "buygoods till number"},
		&cli.StringFlag{Name: "ref", Usage: "account reference"},
	}
}

func quoteRequestFromFlags(c *cli.Context) api.QuoteRequest {
	return api.QuoteRequest{
		FlowType:         api.FlowType(c.String("flow")),
		Amount:           c.Float64("amount"),
		Currency:         c.String("currency"),
		Phone:            c.String("phone"),
		PaybillNumber:    c.String("paybill"),
		TillNumber:       c.String("till"),
		AccountReference: c.String("ref"),
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Request a price quote without paying",
		Flags: flowFlags(),
		Action: func(c *cli.Context) error {
			d, err := buildDeps(c.Context)
			if err != nil {
				return err
			}
			tx, err := d.client.CreateQuote(c.Context, quoteRequestFromFlags(c))
			if err != nil {
				return err
			}
			return printJSON(tx)
		},
	}
}

func payCommand() *cli.Command {
	return &cli.Command{
		Name:  "pay",
		Usage: "Quote, authorize, fund and settle a payment, then poll to completion",
		Flags: append(flowFlags(),
			&cli.StringFlag{Name: "pin", Usage: "wallet PIN (not needed for onramp)"},
		),
		Action: func(c *cli.Context) error {
			d, err := buildDeps(c.Context)
			if err != nil {
				return err
			}

			attempt, err := d.orchestrator.RequestQuote(c.Context, quoteRequestFromFlags(c))
			if err != nil {
				return err
			}
			q := attempt.Transaction.Quote
			fmt.Printf("quote %s: debit %.2f KES (fee %.2f, network %.2f), expires %s\n",
				q.QuoteID, q.TotalDebitKes, q.FeeAmountKes, q.NetworkFeeKes, q.ExpiresAt.Format(time.RFC3339))

			final, err := d.orchestrator.Run(c.Context, attempt, c.String("pin"),
				poller.Options{Interval: d.cfg.PollInterval, Timeout: d.cfg.PollTimeout},
				func(tx *api.Transaction) {
					fmt.Printf("  status: %s\n", tx.Status)
				})
			if err != nil {
				return err
			}
			if !final.Status.Terminal() {
				fmt.Printf("still processing; check later with: pesabridge status %s\n", final.TransactionID)
				return nil
			}
			return printJSON(final)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Fetch a transaction's current state once",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one transaction id")
			}
			d, err := buildDeps(c.Context)
			if err != nil {
				return err
			}
			tx, err := d.client.GetTransaction(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return printJSON(tx)
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Poll a transaction until it reaches a terminal status",
		ArgsUsage: "<transaction-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Value: poller.DefaultInterval},
			&cli.DurationFlag{Name: "timeout", Value: poller.DefaultTimeout},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one transaction id")
			}
			d, err := buildDeps(c.Context)
			if err != nil {
				return err
			}
			tx, err := d.poller.Poll(c.Context, c.Args().First(),
				poller.Options{Interval: c.Duration("interval"), Timeout: c.Duration("timeout")},
				func(tx *api.Transaction) {
					fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), tx.Status)
				})
			if err != nil {
				return err
			}
			if tx == nil {
				return fmt.Errorf("no status observed before timeout")
			}
			return printJSON(tx)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List past transactions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "flow"},
			&cli.StringFlag{Name: "txstatus"},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			d, err := buildDeps(c.Context)
			if err != nil {
				return err
			}
			txs, err := d.client.ListTransactions(c.Context, api.ListFilter{
				FlowType: api.FlowType(c.String("flow")),
				Status:   api.Status(c.String("txstatus")),
				Limit:    c.Int("limit"),
			})
			if err != nil {
				return err
			}
			for _, tx := range txs {
				fmt.Printf("%s  %-8s  %-18s  %.2f KES  %s\n",
					tx.CreatedAt.Format("2006-01-02 15:04"),
					tx.FlowType, tx.Status, tx.Quote.AmountKes, tx.TransactionID)
			}
			return nil
		},
	}
}

func sandboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "sandbox",
		Usage: "Serve a local fake backend implementing the payments contract",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Value: 8089, EnvVars: []string{"SANDBOX_HTTP_PORT"}},
			&cli.StringFlag{Name: "session-token", EnvVars: []string{"SESSION_TOKEN"}},
			&cli.StringFlag{Name: "accept-pin", Value: "", Usage: "only this PIN is accepted when set"},
			&cli.Int64Flag{Name: "chain-id", Value: 8453},
		},
		Action: func(c *cli.Context) error {
			logger := newLogger(os.Getenv("LOG_LEVEL"))
			srv := sandbox.NewServer(sandbox.Options{
				SessionToken: c.String("session-token"),
				AcceptPIN:    c.String("accept-pin"),
				ChainID:      c.Int64("chain-id"),
				Metrics:      metrics.New(),
				Logger:       logger,
			})
			addr := ":" + strconv.Itoa(c.Int("port"))
			logger.Info("sandbox backend listening", "addr", addr)
			server := &http.Server{
				Addr:              addr,
				Handler:           srv,
				ReadHeaderTimeout: 15 * time.Second,
			}
			return server.ListenAndServe()
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
