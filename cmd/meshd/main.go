// Command meshd is the thin operator CLI of §6: a single-process harness
// that wires every domain package together, runs one job through its full
// lifecycle against a durable receipt log, and renders job/account state as
// tables on the terminal. It is not a network daemon: bids and receipts are
// generated locally by the demo command (the --config file only sets
// meshconfig knobs), matching the scope cmd/meshd is given — a local operator tool, not
// a substitute for the external P2P transport named in §1's Non-goals.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-colorable"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/icn-mesh/meshd/auction"
	"github.com/icn-mesh/meshd/common/mclock"
	"github.com/icn-mesh/meshd/dag"
	"github.com/icn-mesh/meshd/identity"
	"github.com/icn-mesh/meshd/job"
	"github.com/icn-mesh/meshd/mana"
	"github.com/icn-mesh/meshd/meshconfig"
	"github.com/icn-mesh/meshd/meshlog"
	"github.com/icn-mesh/meshd/receipt"
	"github.com/icn-mesh/meshd/reputation"
	"github.com/icn-mesh/meshd/runtime"
)

func main() {
	app := &cli.App{
		Name:  "meshd",
		Usage: "operator tool for the mesh compute coordinator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a mesh.toml config file"},
			&cli.StringFlag{Name: "datadir", Aliases: []string{"d"}, Value: "", Usage: "durable pebble datadir; empty uses an in-memory store"},
		},
		Commands: []*cli.Command{
			keygenCommand(),
			demoCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate a fresh did:key keypair",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "method-specific id; random if omitted"},
		},
		Action: func(c *cli.Context) error {
			id := c.String("id")
			if id == "" {
				id = randomID()
			}
			kp, err := identity.GenerateKeyPair("key", id)
			if err != nil {
				return err
			}
			fmt.Printf("did:    %s\n", kp.Did.String())
			fmt.Printf("pubkey: %s\n", kp.PublicKey().Hex())
			return nil
		},
	}
}

func randomID() string {
	return uuid.NewString()
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "run one job through submit -> bid -> ack -> receipt -> settlement and print the resulting state",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "max-cost", Value: 100, Usage: "job max_cost"},
			&cli.Uint64Flag{Name: "bid-cost", Value: 40, Usage: "winning bid cost"},
		},
		Action: runDemo,
	}
}

func runDemo(c *cli.Context) error {
	cfg := meshconfig.Default()
	if path := c.String("config"); path != "" {
		loaded, err := meshconfig.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := meshlog.New("meshd", meshlog.Options{Level: slog.LevelInfo, Writer: colorable.NewColorableStdout()})

	clock := mclock.System{}
	registry := identity.NewKeyRegistry()
	repStore := reputation.NewStore(clock, reputation.Policy{Alpha: cfg.ReputationAlpha, Beta: cfg.ReputationBeta})
	ledger := mana.NewLedger(clock, nil)
	ledger.RateLimit = func(did string) (uint64, int64) {
		return cfg.RateLimitBase + uint64(cfg.RateLimitK*repStore.Score(did)), int64(time.Minute)
	}

	store, closeStore, err := openStore(c.String("datadir"))
	if err != nil {
		return err
	}
	defer closeStore()
	index := dag.NewMemJobIndex()

	submitter, err := identity.GenerateKeyPair("key", "submitter")
	if err != nil {
		return err
	}
	executor, err := identity.GenerateKeyPair("key", "executor")
	if err != nil {
		return err
	}
	registry.Register(submitter.Did, submitter.PublicKey())
	registry.Register(executor.Did, executor.PublicKey())
	ledger.Open(submitter.Did.String(), 1000, 0, 0)
	ledger.Open(executor.Did.String(), 1000, 0, 0)

	rcfg := runtime.DefaultConfig()
	rcfg.Weights = auction.Weights{Price: cfg.ScoringWeights.Price, Reputation: cfg.ScoringWeights.Reputation, Fit: cfg.ScoringWeights.Fit}
	rcfg.QueueBound = cfg.QueueBound
	orch := runtime.New(rcfg, clock, logger, ledger, repStore, registry, store, index, nil, nil)

	maxCost := c.Uint64("max-cost")
	bidCost := c.Uint64("bid-cost")
	required := auction.Capabilities{Cpu: 1, Memory: 1, Storage: 1}

	jobID, err := orch.SubmitJob(submitter.Did, job.Spec{Resources: required}, maxCost, time.Hour, job.PriorityNormal)
	if err != nil {
		return err
	}
	if err := orch.Announce(jobID, required, "demo-spec-digest"); err != nil {
		return err
	}

	bid := auction.SignBid(executor, auction.Bid{
		JobID:        jobID,
		Cost:         bidCost,
		Capabilities: required,
		ReceivedAt:   orch.Now(),
	})
	if err := orch.SubmitBid(jobID, bid); err != nil {
		return err
	}
	if err := orch.CloseBidding(jobID); err != nil {
		return err
	}
	if err := orch.Acknowledge(jobID, executor.Did); err != nil {
		return err
	}

	snap, err := orch.GetJob(jobID)
	if err != nil {
		return err
	}
	resultCid, err := store.Put(dag.KindReceipt, []byte("demo job output"))
	if err != nil {
		return err
	}
	r, err := receipt.Sign(executor, receipt.Receipt{
		JobID:       jobID,
		ResultCid:   string(resultCid),
		ActualCost:  bidCost,
		StartedAt:   snap.SubmittedAt,
		CompletedAt: snap.SubmittedAt.Add(time.Second),
	})
	if err != nil {
		return err
	}
	if _, err := orch.AnchorReceipt(r); err != nil {
		return err
	}

	final, err := orch.GetJob(jobID)
	if err != nil {
		return err
	}
	printJobTable([]job.Job{final})
	printAccountTable(ledger, []identity.Did{submitter.Did, executor.Did})
	fmt.Printf("\nexecutor reputation: %.3f\n", repStore.Score(executor.Did.String()))
	return nil
}

func openStore(datadir string) (dag.Store, func(), error) {
	if datadir == "" {
		return dag.NewMemStore(), func() {}, nil
	}
	s, err := dag.OpenPebbleStore(datadir)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func printJobTable(jobs []job.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Job ID", "State", "Executor", "Max Cost", "Actual Cost"})
	for _, j := range jobs {
		actual := ""
		if j.Result != nil {
			actual = fmt.Sprintf("%d", j.Result.ActualCost)
		}
		table.Append([]string{j.ID, j.State.String(), j.AssignedExecutor.String(), fmt.Sprintf("%d", j.MaxCost), actual})
	}
	table.Render()
}

func printAccountTable(ledger *mana.Ledger, dids []identity.Did) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"DID", "Balance", "Reserved", "Capacity"})
	for _, d := range dids {
		acc, err := ledger.Account(d.String())
		if err != nil {
			continue
		}
		table.Append([]string{acc.Did, fmt.Sprintf("%d", acc.Balance), fmt.Sprintf("%d", acc.Reserved), fmt.Sprintf("%d", acc.Capacity)})
	}
	table.Render()
}
