package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/config"
	"bitbucket.org/mmdatafocus/salesdock_backend/logstore"
	"bitbucket.org/mmdatafocus/salesdock_backend/store"
)

func main() {
	from := flag.String("from", "", "Start date (YYYY-MM-DD). Defaults to 30 days ago.")
	to := flag.String("to", "", "End date (YYYY-MM-DD). Defaults to today.")
	granularity := flag.String("granularity", "day", "Rollup granularity: day or month.")
	asJSON := flag.Bool("json", false, "Emit rows as JSON instead of a text table.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if *from != "" {
		d, err := time.Parse("2006-01-02", *from)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -from: %v\n", err)
			os.Exit(1)
		}
		start = d
	}
	if *to != "" {
		d, err := time.Parse("2006-01-02", *to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -to: %v\n", err)
			os.Exit(1)
		}
		end = d
	}

	blobs, err := store.NewGitHubStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "github store not configured: %v\n", err)
		os.Exit(1)
	}

	events, err := logstore.NewAppender(blobs, logger).ReadRange(ctx, start, end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read event log: %v\n", err)
		os.Exit(1)
	}

	var rows []logstore.RollupRow
	if *granularity == "month" {
		rows = logstore.MonthlyRollup(events)
	} else {
		rows = logstore.Rollup(events)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode rows: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("%-12s %-14s %8s %14s\n", "bucket", "event", "count", "amount_delta")
	for _, row := range rows {
		bucket := row.Day
		if *granularity == "month" {
			bucket = row.Month
		}
		fmt.Printf("%-12s %-14s %8d %14s\n", bucket, row.Event, row.Count, row.AmountDelta.StringFixed(2))
	}
	fmt.Printf("%d events between %s and %s\n", len(events), start.Format("2006-01-02"), end.Format("2006-01-02"))
}
