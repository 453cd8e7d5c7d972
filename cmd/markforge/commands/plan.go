package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/markforge/internal/bootstrap"
	"github.com/Lllllllleong/markforge/internal/extract"
	"github.com/Lllllllleong/markforge/internal/services"
)

var planMaxPages int

var planCmd = &cobra.Command{
	Use:   "plan PATH",
	Short: "Show how a PDF or a directory would be converted",
	Long: `Plan prints the chunk layout of a PDF, or for a directory the documents a
batch would convert and where their output would go. Nothing is extracted.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVar(&planMaxPages, "max-pages", 0, "maximum pages per chunk (default from config)")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if planMaxPages > 0 {
		cfg.Conversion.MaxPagesPerChunk = planMaxPages
	}

	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	if !info.IsDir() {
		pages, err := extract.NewPDFPages().PageCount(ctx, args[0])
		if err != nil {
			return err
		}
		chunks, err := services.ChunkPages(filepath.Base(args[0]), pages, cfg.Conversion.MaxPagesPerChunk)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %d pages, %d chunk(s)\n", args[0], pages, len(chunks))
		fmt.Fprintln(w, "CHUNK\tPAGES\tCOUNT")
		for _, c := range chunks {
			fmt.Fprintf(w, "%d\t%d-%d\t%d\n", c.Index, c.StartPage+1, c.EndPage, c.Pages())
		}
		return nil
	}

	// Planning never extracts, so the backend only has to resolve extensions.
	cfg.Extraction.PDFBackend = "marker"
	registry, _, err := bootstrap.NewRegistry(cfg, nil)
	if err != nil {
		return err
	}
	docs, err := services.Plan(ctx, args[0], cfg.Conversion.OutputDirectory, registry, cfg.Conversion.SkipExisting)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "DOCUMENT\tFORMAT\tOUTPUT\tSTATUS")
	for _, d := range docs {
		status := "convert"
		if d.Skipped {
			status = "skip"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Format, d.OutputPath, status)
	}
	return nil
}
