package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/faceattend/pkg/attendance"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the attendance summary for a day",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().String("date", "", "Day to report as YYYY-MM-DD (default today)")
	statsCmd.Flags().Bool("events", false, "List the day's events")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Attendance.DatabasePath); err != nil {
		return fmt.Errorf("no attendance database at %s", cfg.Attendance.DatabasePath)
	}
	store, err := attendance.Open(cfg.Attendance.DatabasePath, loc)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	now := time.Now()
	day := now
	if v, _ := cmd.Flags().GetString("date"); v != "" {
		parsed, err := time.ParseInLocation(attendance.DateLayout, v, loc)
		if err != nil {
			return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
		}
		day = parsed.Add(12 * time.Hour)
	}

	count, err := store.CountEventsOn(ctx, day)
	if err != nil {
		return err
	}
	roster, err := store.ListIdentities(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Date:        %s (%s)\n", attendance.LocalDate(day, loc), loc)
	fmt.Printf("Attended:    %d of %d\n", count, len(roster))

	first, ok, err := store.FirstEventTimestamp(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("Since:       %s\n", attendance.LocalDate(first, loc))
	}

	if list, _ := cmd.Flags().GetBool("events"); !list {
		return nil
	}
	events, err := store.ListEventsOn(ctx, day)
	if err != nil {
		return err
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNAME\tORGANIZATION\tCATEGORY")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.In(loc).Format("15:04:05"), e.IdentityName, e.Organization, e.Category)
	}
	return w.Flush()
}
