// Package main provides the Lorekeep CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/orneryd/lorekeep/pkg/config"
	"github.com/orneryd/lorekeep/pkg/lorekeep"
	"github.com/orneryd/lorekeep/pkg/memory"
	"github.com/orneryd/lorekeep/pkg/memory/memorytest"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lorekeep",
		Short: "Lorekeep - Memory Integration Layer for Novel Generation",
		Long: `Lorekeep sits between a novel-generation pipeline and its memory tiers,
unifying short-term, mid-term and long-term story memory behind one API.

Features:
  • Three-level coordinated caching with dependency invalidation
  • Cross-source consolidation with conflict auditing
  • Learned access-strategy selection
  • Continuous quality monitoring and reporting`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Lorekeep v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "diagnose",
		Short: "Run a comprehensive quality diagnostic against sample data",
		RunE:  runDiagnose,
	})

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a quality report",
		RunE:  runReport,
	}
	reportCmd.Flags().Int("days", 7, "Reporting period in days")
	rootCmd.AddCommand(reportCmd)

	queryCmd := &cobra.Command{
		Use:   "query [type]",
		Short: "Run one memory query against sample data",
		Long: `Run one query through the full layer. Supported types:
worldSettings, characterInfo, chapterMemories, arcMemory, keyEvents, search.`,
		Args: cobra.ExactArgs(1),
		RunE: runQuery,
	}
	queryCmd.Flags().String("target", "", "Query target (character name, arc number, keywords)")
	rootCmd.AddCommand(queryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show component statistics after a warm-up pass",
		RunE:  runStats,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openLayer builds a layer over the bundled sample tiers. The CLI is an
// inspection tool; real pipelines embed the layer and wire their own
// tiers.
func openLayer() (*lorekeep.Layer, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv()

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "lorekeep"})
	return lorekeep.Open(cfg, memorytest.SampleTiers(), logger)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	layer, err := openLayer()
	if err != nil {
		return err
	}
	diag, err := layer.Diagnose(context.Background())
	if err != nil {
		return err
	}
	return printJSON(diag)
}

func runReport(cmd *cobra.Command, args []string) error {
	layer, err := openLayer()
	if err != nil {
		return err
	}
	days, _ := cmd.Flags().GetInt("days")

	// A report over empty history is legal but dull; run one check pass
	// first so there is something to summarize.
	if _, err := layer.Diagnose(context.Background()); err != nil {
		return err
	}
	report, err := layer.QualityReport(context.Background(), days)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runQuery(cmd *cobra.Command, args []string) error {
	layer, err := openLayer()
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")

	res, err := layer.Access(context.Background(), memory.Query{
		Type:   memory.QueryType(args[0]),
		Target: target,
	})
	if err != nil {
		return err
	}
	fmt.Printf("strategy=%s source=%s cacheHit=%v optimizations=%v\n",
		res.Strategy, res.Source, res.Metadata.CacheHit, res.AppliedOptimizations)
	return printJSON(res.Data)
}

func runStats(cmd *cobra.Command, args []string) error {
	layer, err := openLayer()
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Warm the layer so the counters show something representative.
	warmup := []memory.Query{
		{Type: memory.QueryWorldSettings},
		{Type: memory.QueryCharacterInfo, Target: "Eldra"},
		{Type: memory.QueryKeyEvents},
		{Type: memory.QueryChapterMemories},
	}
	for _, q := range warmup {
		if _, err := layer.Access(ctx, q); err != nil {
			return err
		}
	}
	return printJSON(layer.Stats())
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
