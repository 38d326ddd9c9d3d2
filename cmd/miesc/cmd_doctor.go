package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"miesc/internal/adapter"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Probe every registered tool and report readiness",
	Long: `Checks each registered adapter's availability: binary on PATH,
credentials configured, external endpoints reachable. An unavailable tool
is skipped at audit time, never an error.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		snapshot := s.reg.AvailabilitySnapshot(ctx)
		tools := s.reg.Tools()
		sort.Slice(tools, func(i, j int) bool {
			if tools[i].Layer != tools[j].Layer {
				return tools[i].Layer < tools[j].Layer
			}
			return tools[i].ID < tools[j].ID
		})

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LAYER\tTOOL\tCATEGORY\tSTATUS")
		ready := 0
		for _, t := range tools {
			status := snapshot[t.ID]
			if status == adapter.Available {
				ready++
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.Layer, t.ID, t.Category, status)
		}
		tw.Flush()
		fmt.Printf("\n%d/%d tools ready\n", ready, len(tools))
		if ready == 0 {
			fmt.Fprintln(os.Stderr, "no tools available; install at least one analysis backend")
			s.close()
			os.Exit(exitConfig)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived audits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		if s.archive == nil {
			fmt.Println("Archive disabled in configuration.")
			return nil
		}

		recs, err := s.archive.ListAudits(cmd.Context(), 50)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No archived audits.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AUDIT\tPROFILE\tTARGET\tSTATUS\tFINDINGS\tFINISHED")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.AuditID, r.Profile, r.Target, r.Status, r.Total,
				r.FinishedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}
