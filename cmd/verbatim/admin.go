package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/verbatim/internal/config"
	"github.com/MrWong99/verbatim/internal/learning"
)

// openMemory opens the configured learning store without starting a server.
func openMemory(cmd *cobra.Command) (*learning.Memory, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	reg := config.NewRegistry()
	registerBuiltins(reg)
	store, err := reg.CreateStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return learning.New(store), nil
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show learning store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			st, err := mem.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintf(out, "Transcriptions:   %d\n", st.TotalTranscriptions)
			fmt.Fprintf(out, "Corrections:      %d\n", st.TotalCorrections)
			fmt.Fprintf(out, "Learned rules:    %d (%d active)\n", st.TotalRules, st.ActiveRules)
			fmt.Fprintf(out, "Feedback:         %d approved, %d rejected\n", st.Approved, st.Rejected)
			fmt.Fprintf(out, "Accuracy:         %.1f%%\n", st.Accuracy*100)
			fmt.Fprintf(out, "Average latency:  %.0f ms\n", st.AvgLatencyMS)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export corrections and learned rules as JSON",
		Long: `Write the corrections, learned rules and statistics to a JSON document.

Examples:
  verbatim export                    # print to stdout
  verbatim export --out rules.json   # write to a file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			doc, err := mem.Export(cmd.Context())
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(doc); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			if outPath != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d corrections and %d rules to %s\n",
					len(doc.Corrections), len(doc.Rules), outPath)
			}
			return nil
		},
	}
	cmd.Flags().String("out", "", "output file (default: stdout)")
	return cmd
}

var errNotConfirmed = errors.New("refusing to clear the learning store without --yes")

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every transcription, correction, feedback entry and rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errNotConfirmed
			}
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			if err := mem.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "learning store cleared")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm deleting all data")
	return cmd
}
