package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/pkg/probability"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Draw an entry many times and print observed frequencies",
		Long: `Runs the probability engine against a catalog entry without touching any
balance and compares the observed share of each outcome with its configured share.
Use --seed to reproduce a run.`,
		RunE: runSimulate,
	}
	cmd.Flags().String("catalog", "", "Catalog YAML file or directory (required)")
	cmd.Flags().String("entry", "", "Catalog entry id (required)")
	cmd.Flags().Int("draws", 100000, "Number of draws")
	cmd.Flags().Int64("seed", 0, "RNG seed (0 picks a random one)")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	catalogPath, _ := cmd.Flags().GetString("catalog")
	entryID, _ := cmd.Flags().GetString("entry")
	draws, _ := cmd.Flags().GetInt("draws")
	seed, _ := cmd.Flags().GetInt64("seed")
	if draws <= 0 {
		return fmt.Errorf("--draws must be positive")
	}

	entries, err := catalog.Load(catalogPath)
	if err != nil {
		return err
	}
	entry, ok := lo.Find(entries, func(e catalog.Entry) bool { return e.ID == entryID })
	if !ok {
		return fmt.Errorf("entry %q not found in %s", entryID, catalogPath)
	}

	if seed == 0 {
		if seed, err = probability.NewSeed(); err != nil {
			return err
		}
	}
	engine := probability.New(probability.NewSeededRand(seed))

	counts := make([]int, len(entry.Outcomes))
	redirected := 0
	for i := 0; i < draws; i++ {
		sel, err := engine.Select(cmd.Context(), entry)
		if err != nil {
			return err
		}
		counts[sel.Index]++
		if sel.Redirected {
			redirected++
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "entry=%s draws=%d seed=%d\n\n", entry.ID, draws, seed)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tTYPE\tVALUE\tWEIGHT\tEXPECTED\tOBSERVED\tCOUNT")
	for i, o := range entry.Outcomes {
		weight := fmt.Sprint(o.Weight)
		if !o.Selectable() {
			weight += " (off)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%.4f\t%d\n",
			o.Label, o.Type, o.Value, weight, entry.Share(i), float64(counts[i])/float64(draws), counts[i])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if redirected > 0 {
		fmt.Fprintf(out, "\nguard redirected %d draws\n", redirected)
	}
	return nil
}
