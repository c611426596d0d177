package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/cfg"
	"github.com/lustre-irods/connector/translate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "generate":
		err = runGenerate(args)
	case "verify":
		err = runVerify(args)
	case "changelog":
		err = runChangelog(args)
	case "changelog_clear":
		err = runChangelogClear(args)
	case "fid2path":
		err = runFid2path(args)
	case "version":
		fmt.Printf("chlsim version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`chlsim - simulated Lustre changelog for the connector

Usage:
  chlsim <command> [options]

Commands:
  generate         Append a random workload to a simulated changelog
  verify           Check a catalog against the simulated namespace
  changelog        lfs-compatible: print changelog records
  changelog_clear  lfs-compatible: release changelog records
  fid2path         lfs-compatible: resolve FIDs to paths
  version          Print version
  help             Show this help

The lfs-compatible commands read the state directory from $CHLSIM_STATE.
Point a shard's lfs_command at chlsim to run the connector without Lustre.

Generate Options:
  --state         State directory (required)
  --mdt           MDT name (default: lustre01-MDT0000)
  --mount         Filesystem mount point (default: /lustre01)
  --workload      Workload type: mixed|create-only|churn|rename-heavy (default: mixed)
  --operations    Records to append (default: 1000)
  --duration      Keep appending for this long, one batch per interval
  --interval      Time between batches with --duration (default: 1s)
  --batch-size    Records per batch with --duration (default: 100)
  --seed          Random seed (default: current time)
  --create-pct, --mkdir-pct, --modify-pct, --rename-pct, --unlink-pct, --rmdir-pct
                  Override workload percentages

Verify Options:
  --state         State directory (required)
  --shard         Shard configuration file of the connector (required)
  --samples       Number of random paths to check, 0 for all (default: 0)
  --timeout       Verification timeout (default: 30s)

Examples:
  chlsim generate --state=/tmp/mdt0 --operations=5000 --workload=churn
  CHLSIM_STATE=/tmp/mdt0 connector --config=connector.toml
  chlsim verify --state=/tmp/mdt0 --shard=mdt0.toml`)
}

func runGenerate(args []string) error {
	c := &Config{}
	fs := flag.NewFlagSet("generate", flag.ExitOnError)

	fs.StringVar(&c.StateDir, "state", "", "State directory")
	fs.StringVar(&c.MDT, "mdt", "lustre01-MDT0000", "MDT name")
	fs.StringVar(&c.Mount, "mount", "/lustre01", "Filesystem mount point")
	fs.StringVar(&c.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&c.Operations, "operations", 1000, "Records to append")
	fs.DurationVar(&c.Duration, "duration", 0, "Keep appending for this long")
	fs.DurationVar(&c.Interval, "interval", time.Second, "Time between batches")
	fs.IntVar(&c.BatchSize, "batch-size", 100, "Records per batch")
	fs.Int64Var(&c.Seed, "seed", time.Now().UnixNano(), "Random seed")
	fs.IntVar(&c.CreatePct, "create-pct", -1, "Create percentage (overrides workload)")
	fs.IntVar(&c.MkdirPct, "mkdir-pct", -1, "Mkdir percentage (overrides workload)")
	fs.IntVar(&c.ModifyPct, "modify-pct", -1, "Modify percentage (overrides workload)")
	fs.IntVar(&c.RenamePct, "rename-pct", -1, "Rename percentage (overrides workload)")
	fs.IntVar(&c.UnlinkPct, "unlink-pct", -1, "Unlink percentage (overrides workload)")
	fs.IntVar(&c.RmdirPct, "rmdir-pct", -1, "Rmdir percentage (overrides workload)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	state, err := OpenState(c.StateDir)
	if err != nil {
		return err
	}
	tree, err := state.LoadTree(c.MDT, c.Mount)
	if err != nil {
		return err
	}
	gen := NewGenerator(tree, c.GetWorkloadDistribution(), c.Seed)

	fmt.Printf("Generating %s workload for %s at %s (seed %d)\n", c.Workload, c.MDT, c.Mount, c.Seed)
	start := time.Now()

	if c.Duration > 0 {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
		err = generateTimed(ctx, c, state, gen)
	} else {
		err = flush(state, tree, generateBatch(gen, c.Operations))
	}
	if err != nil {
		return err
	}

	printCounts(gen, tree, time.Since(start))
	return nil
}

// generateTimed appends one batch per interval until ctx is done or the
// operation budget is spent
func generateTimed(ctx context.Context, c *Config, state *State, gen *Generator) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	written := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := c.BatchSize
			if c.Operations > 0 && written+n > c.Operations {
				n = c.Operations - written
			}
			if err := flush(state, gen.tree, generateBatch(gen, n)); err != nil {
				return err
			}
			written += n
			fmt.Printf("[%s] appended %d records, last index %d\n",
				time.Now().Format(time.TimeOnly), n, gen.tree.NextIndex-1)
			if c.Operations > 0 && written >= c.Operations {
				return nil
			}
		}
	}
}

func generateBatch(gen *Generator, n int) []string {
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, gen.Next())
	}
	return lines
}

// flush saves the tree before the lines so fid2path never lags the changelog
func flush(state *State, tree *Tree, lines []string) error {
	if err := state.SaveTree(tree); err != nil {
		return fmt.Errorf("failed to save tree: %w", err)
	}
	return state.Append(lines)
}

func printCounts(gen *Generator, tree *Tree, elapsed time.Duration) {
	counts := gen.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Println()
	fmt.Println("Records:")
	for _, op := range allOps {
		fmt.Printf("  %-6s %d\n", op.String()+":", counts[op])
	}
	fmt.Printf("  TOTAL: %d\n", total)
	fmt.Println()
	fmt.Printf("Namespace:     %d entries, %d removed paths\n", tree.Len(), len(tree.Gone))
}

func runVerify(args []string) error {
	var stateDir, shardPath string
	var samples int
	var timeout time.Duration
	var seed int64

	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.StringVar(&stateDir, "state", "", "State directory")
	fs.StringVar(&shardPath, "shard", "", "Shard configuration file")
	fs.IntVar(&samples, "samples", 0, "Number of random paths to check, 0 for all")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Verification timeout")
	fs.Int64Var(&seed, "seed", time.Now().UnixNano(), "Random seed for sampling")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if stateDir == "" || shardPath == "" {
		return fmt.Errorf("--state and --shard are required")
	}

	shard, err := cfg.LoadShard(shardPath)
	if err != nil {
		return err
	}
	if err := shard.Validate(); err != nil {
		return err
	}
	table, err := translate.NewTable(shard.RegisterMap)
	if err != nil {
		return err
	}
	filter, err := translate.NewGlobFilter(shard.ExcludePatterns)
	if err != nil {
		return err
	}

	state, err := OpenState(stateDir)
	if err != nil {
		return err
	}
	tree, err := state.LoadTree(shard.MDTName, shard.LustreRootPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := catalog.Open(ctx, shard.CatalogDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := NewVerifier(store, table, filter, samples, timeout, seed).Verify(ctx, tree)
	if err != nil {
		return err
	}
	PrintVerifyResult(result)
	if !result.OK() {
		return fmt.Errorf("catalog does not match the simulated namespace")
	}
	return nil
}
