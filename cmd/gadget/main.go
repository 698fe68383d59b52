package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bluetides-project/MP-Gadget/internal/config"
	"github.com/bluetides-project/MP-Gadget/internal/report"
	"github.com/bluetides-project/MP-Gadget/internal/sim"
)

var (
	dataDir    string
	configFile string
	preset     string
	tasks      int
	threads    int
	steps      int
	gridN      int
	seed       uint64
	noSave     bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gadget",
		Short: "distributed domain decomposition and gravity tree lab",
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".gadget", "data directory")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "use preset configuration")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a full simulation",
		RunE:  runSimulation,
	}
	runCmd.Flags().IntVar(&tasks, "tasks", 0, "number of ranks (overrides config)")
	runCmd.Flags().IntVar(&threads, "threads", 0, "walk threads per rank (overrides config)")
	runCmd.Flags().IntVar(&steps, "steps", 8, "number of global timesteps (power of two)")
	runCmd.Flags().IntVar(&gridN, "grid", 8, "lattice side; seeds grid^3 particles")
	runCmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (overrides config)")
	runCmd.Flags().BoolVar(&noSave, "no-save", false, "do not record the run")

	decomposeCmd := &cobra.Command{
		Use:   "decompose",
		Short: "run a single domain decomposition and show the balance",
		RunE:  runDecompose,
	}
	decomposeCmd.Flags().IntVar(&tasks, "tasks", 0, "number of ranks (overrides config)")
	decomposeCmd.Flags().IntVar(&gridN, "grid", 8, "lattice side; seeds grid^3 particles")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list recorded runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTASKS\tBOX\tOVERDECOMP\tLOCKING")
			for _, name := range config.ListPresets() {
				c := config.GetPreset(name)
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%d\t%s\n",
					name, c.NTask, c.BoxSize, c.Domain.OverDecomposition, c.Tree.LockStrategy)
			}
			return w.Flush()
		},
	}

	rootCmd.AddCommand(runCmd, decomposeCmd, listCmd, plotCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves preset, config file, and flag overrides, in
// that order of increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if preset != "" {
		p := config.GetPreset(preset)
		if p == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
		c := *p
		cfg = &c
	}

	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("tasks") {
		cfg.NTask = tasks
	}
	if cmd.Flags().Changed("threads") {
		cfg.NumThreads = threads
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	runner := sim.New(cfg, logger())
	params := sim.Params{Steps: steps, GridN: gridN}

	fmt.Printf("running %d^3 particles over %d ranks, %d steps...\n", gridN, cfg.NTask, steps)
	start := time.Now()

	res, err := runner.Run(context.Background(), params)
	if err != nil {
		return err
	}

	fmt.Printf("completed in %v\n\n", time.Since(start))
	fmt.Println(report.Summary(res))
	fmt.Println(report.Balance(res))
	if chart := report.WorkChart(res); chart != "" {
		fmt.Println(chart)
	}
	if chart := report.ExportChart(res); chart != "" {
		fmt.Println(chart)
	}

	if noSave {
		return nil
	}
	st := report.NewStore(dataDir)
	if err := st.Init(); err != nil {
		return err
	}
	runID, err := st.Save(report.RunMetadata{
		Preset: preset,
		NTask:  cfg.NTask,
		Steps:  steps,
		GridN:  gridN,
		Seed:   cfg.Seed,
	}, res)
	if err != nil {
		return err
	}
	fmt.Printf("run id: %s\n", runID)
	return nil
}

func runDecompose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	runner := sim.New(cfg, logger())
	stats, err := runner.DecomposeOnce(sim.Params{GridN: gridN})
	if err != nil {
		return err
	}

	total := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tPARTICLES\tMIGRATED")
	for _, s := range stats {
		fmt.Fprintf(w, "%d\t%d\t%d\n", s.Rank, s.NumPart, s.Migrated)
		total += s.NumPart
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("total: %d\n", total)
	return nil
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := report.NewStore(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tRANKS\tSTEPS\tGRID\tDECOMPS\tEXPORTS\tIMBALANCE")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.2fx\n",
			run.ID,
			run.Timestamp.Format("2006-01-02 15:04:05"),
			run.NTask,
			run.Steps,
			run.GridN,
			run.Decompositions,
			run.TotalExports,
			run.Imbalance,
		)
	}
	return w.Flush()
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := report.NewStore(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	perStep, err := st.LoadSteps(runID)
	if err != nil {
		return err
	}
	if len(perStep) == 0 {
		return fmt.Errorf("no data to plot")
	}

	res := &sim.Result{
		Steps:          meta.Steps,
		Decompositions: meta.Decompositions,
		TotalExports:   meta.TotalExports,
		PerStep:        perStep,
	}
	for _, s := range perStep[len(perStep)-1] {
		res.Counts = append(res.Counts, s.NumPart)
	}

	fmt.Printf("run: %s\n\n", meta.ID)
	fmt.Println(report.Summary(res))
	fmt.Println(report.Balance(res))
	if chart := report.WorkChart(res); chart != "" {
		fmt.Println(chart)
	}
	if chart := report.ExportChart(res); chart != "" {
		fmt.Println(chart)
	}
	return nil
}
