// Command deskflow runs the support ticket workflow: a server mode wired to
// Postgres and the job queue, plus offline commands for demo runs and
// supervisor decisions.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/deskflow/internal/api"
	"github.com/deskflow/internal/config"
	"github.com/deskflow/internal/coordinator"
	"github.com/deskflow/internal/database"
	"github.com/deskflow/internal/engine"
	"github.com/deskflow/internal/jobqueue"
	"github.com/deskflow/internal/logging"
	"github.com/deskflow/internal/mailbox"
	"github.com/deskflow/internal/oracle"
	"github.com/deskflow/internal/store"
	"github.com/deskflow/internal/tools"
	"github.com/deskflow/pkg/models"
)

func main() {
	app := &cli.App{
		Name:  "deskflow",
		Usage: "AI support ticket workflow with human-in-the-loop approvals",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				EnvVars: []string{"DESKFLOW_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "write a sample configuration file",
				Action: runInit,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "path",
						Value: "deskflow.toml",
						Usage: "where to write the sample config",
					},
				},
			},
			{
				Name:   "serve",
				Usage:  "run the API server, job queue, and monitor loop",
				Action: runServe,
			},
			{
				Name:      "process",
				Usage:     "run one message through the workflow offline using the in-memory demo store",
				ArgsUsage: "<message text>",
				Action:    runProcess,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "sender",
						Value: "customer@example.com",
						Usage: "sender address for the synthetic message",
					},
					&cli.StringFlag{
						Name:  "decision",
						Usage: "auto-resolve any approval request with this decision (accept or ignore)",
					},
				},
			},
			{
				Name:      "resume",
				Usage:     "record a supervisor decision and resume a suspended conversation",
				ArgsUsage: "<conversation-id> <accept|ignore>",
				Action:    runResume,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runInit(c *cli.Context) error {
	path := c.String("path")
	if err := config.Init(path); err != nil {
		return err
	}
	fmt.Printf("Wrote sample configuration to %s\n", path)
	return nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.General.LogLevel, cfg.General.LogPretty)
	return cfg, nil
}

func buildOracle(cfg *config.Config) (oracle.Oracle, error) {
	inner, err := oracle.NewLangchain(oracle.LangchainConfig{
		APIKey: cfg.Oracle.APIKey,
		Model:  cfg.Oracle.Model,
	})
	if err != nil {
		return nil, err
	}
	return oracle.NewResilient(inner, oracle.ResilientOptions{
		RatePerSecond: cfg.Oracle.RatePerSecond,
		Timeout:       cfg.Oracle.RequestTimeout,
	}), nil
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx := c.Context

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	if err := store.SeedDemoData(ctx, pool); err != nil {
		return err
	}
	pg := store.NewPG(pool)

	llm, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	channel, err := mailbox.Open(cfg.Mailbox.Mode, cfg.Mailbox.Address)
	if err != nil {
		return err
	}

	invoker := tools.NewInvoker(pg.Catalog, pg.Catalog, pg.Catalog)
	graph := engine.New(engine.Deps{
		Oracle:      llm,
		Orders:      pg.Catalog,
		Products:    pg.Catalog,
		Policies:    pg.Catalog,
		Tools:       invoker,
		Gate:        engine.NewStoreGate(pg.Approvals),
		Checkpoints: pg.Checkpoints,
	})
	coord := coordinator.New(pg.Claims, pg.Tickets, pg.Cursor, pg.Approvals, graph, channel)

	queue, err := jobqueue.NewJobQueue(pool, coord)
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("job queue shutdown failed")
		}
	}()

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go coord.Monitor(monitorCtx, cfg.Monitor.Interval)

	server := api.NewServer(cfg.Server.Port, api.Deps{
		Approvals: pg.Approvals,
		Tickets:   pg.Tickets,
		Intake:    coord,
		Push:      queue,
	})

	log.Info().Int("port", cfg.Server.Port).Msg("deskflow serving")
	return server.Start()
}

// runProcess drives a single synthetic message through the full workflow on
// the in-memory demo store, resolving any approval request with the decision
// flag when given.
func runProcess(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Oracle.APIKey == "" {
		return fmt.Errorf("oracle api_key is required")
	}
	if c.NArg() < 1 {
		return fmt.Errorf("usage: deskflow process <message text>")
	}
	body := c.Args().Get(0)

	ctx := c.Context

	mem := store.NewMemory()
	mem.SeedDemoData()

	llm, err := buildOracle(cfg)
	if err != nil {
		return err
	}

	channel := mailbox.NewFake(cfg.Mailbox.Address)
	invoker := tools.NewInvoker(mem.Catalog, mem.Catalog, mem.Catalog)
	graph := engine.New(engine.Deps{
		Oracle:      llm,
		Orders:      mem.Catalog,
		Products:    mem.Catalog,
		Policies:    mem.Catalog,
		Tools:       invoker,
		Gate:        engine.NewStoreGate(mem.Approvals),
		Checkpoints: mem.Checkpoints,
	})
	coord := coordinator.New(mem.Claims, mem.Tickets, mem.Cursor, mem.Approvals, graph, channel)

	conversationID := "demo-" + uuid.NewString()[:8]
	msg := mailbox.Message{
		ID:         "msg-" + conversationID,
		ThreadID:   conversationID,
		Sender:     c.String("sender"),
		Subject:    "Support request",
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}

	result, err := coord.Process(ctx, msg)
	if err != nil {
		return err
	}

	if result.Suspended {
		pending, err := mem.Approvals.Pending(ctx, conversationID)
		if err != nil {
			return err
		}
		fmt.Printf("Suspended awaiting approval: %s %s\n", pending.ActionName, pending.Description)

		decision := c.String("decision")
		if decision == "" {
			fmt.Println("Re-run with --decision accept (or ignore) to resolve it.")
			return nil
		}
		if _, err := mem.Approvals.Resolve(ctx, conversationID, models.ParseDecision(decision)); err != nil {
			return err
		}
		result, err = coord.Resume(ctx, conversationID)
		if err != nil {
			return err
		}
	}

	printOutcome(result, channel)
	return nil
}

func printOutcome(result *coordinator.Result, channel *mailbox.Fake) {
	fmt.Printf("Conversation %s finished with status %s\n", result.ConversationID, result.Status)
	if result.State != nil {
		fmt.Printf("  tier=%s intent=%s action=%s\n", result.State.Tier, result.State.Intent, result.State.ActionTaken)
	}
	for _, sent := range channel.Sent {
		fmt.Printf("  reply to %s: %s\n", sent.To, sent.Body)
	}
}

func runResume(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.NArg() < 2 {
		return fmt.Errorf("usage: deskflow resume <conversation-id> <accept|ignore>")
	}
	conversationID := c.Args().Get(0)
	decision := models.ParseDecision(c.Args().Get(1))

	ctx := c.Context

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	pg := store.NewPG(pool)

	if _, err := pg.Approvals.Resolve(ctx, conversationID, decision); err != nil {
		return err
	}

	llm, err := buildOracle(cfg)
	if err != nil {
		return err
	}
	channel := mailbox.NewFake(cfg.Mailbox.Address)
	invoker := tools.NewInvoker(pg.Catalog, pg.Catalog, pg.Catalog)
	graph := engine.New(engine.Deps{
		Oracle:      llm,
		Orders:      pg.Catalog,
		Products:    pg.Catalog,
		Policies:    pg.Catalog,
		Tools:       invoker,
		Gate:        engine.NewStoreGate(pg.Approvals),
		Checkpoints: pg.Checkpoints,
	})
	coord := coordinator.New(pg.Claims, pg.Tickets, pg.Cursor, pg.Approvals, graph, channel)

	result, err := coord.Resume(ctx, conversationID)
	if err != nil {
		return err
	}
	printOutcome(result, channel)
	return nil
}
