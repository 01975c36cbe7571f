package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/abelbrown/eventthread/internal/report"
	"github.com/abelbrown/eventthread/internal/store"
)

func runRuns() {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	cfgPath := configFlag(fs)
	topic := fs.String("topic", "", "Filter by topic")
	limit := fs.Int("n", 20, "Number of runs to show (0 = all)")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*cfgPath)
	st := openDB(cfg)
	defer st.Close()

	runs, err := st.ListRuns(context.Background(), *topic, *limit)
	if err != nil {
		fatalf("%v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs stored.")
		return
	}
	fmt.Printf("%-36s  %-16s  %-20s  %7s  %7s  %7s  %s\n", "RUN", "TOPIC", "STARTED", "STORIES", "SKIPPED", "EVENTS", "MODEL")
	for _, r := range runs {
		fmt.Printf("%-36s  %-16s  %-20s  %7d  %7d  %7d  %s\n",
			r.ID, truncate(r.Topic, 16), r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Stories, r.Skipped, r.Clusters, r.Config.Model)
	}
}

func runClusters() {
	fs := flag.NewFlagSet("clusters", flag.ExitOnError)
	cfgPath := configFlag(fs)
	runID := fs.String("run", "", "Run id (default: latest run of --topic)")
	topic := fs.String("topic", "", "Topic whose latest run to show")
	asJSON := fs.Bool("json", false, "Print the cluster export as JSON")
	text := fs.Bool("text", false, "Print the plain text report")
	showAnalysis := fs.Bool("analysis", false, "Print coverage and source network as JSON")
	bucket := fs.String("bucket", "", "Coverage period for --analysis: day, week or month")
	fs.Parse(os.Args[1:])

	if *runID == "" && *topic == "" {
		fatalf("pass --run or --topic")
	}

	cfg := loadConfig(*cfgPath)
	if *bucket != "" {
		cfg.Analysis.Bucket = *bucket
	}
	st := openDB(cfg)
	defer st.Close()

	ctx := context.Background()
	var run store.Run
	var err error
	if *runID != "" {
		run, err = st.GetRun(ctx, *runID)
	} else {
		run, err = st.LatestRun(ctx, *topic)
	}
	if err != nil {
		fatalf("%v", err)
	}
	es, err := st.LoadEventStore(ctx, run.ID)
	if err != nil {
		fatalf("%v", err)
	}

	r := report.Report{Topic: run.Topic, RunID: run.ID, Events: es, Skipped: run.Skipped, Bucket: cfg.Analysis.Bucket}
	switch {
	case *showAnalysis:
		if err := r.WriteAnalysis(os.Stdout); err != nil {
			fatalf("%v", err)
		}
	case *asJSON:
		if err := r.WriteJSON(os.Stdout); err != nil {
			fatalf("%v", err)
		}
	case *text:
		if err := r.WriteText(os.Stdout); err != nil {
			fatalf("%v", err)
		}
	default:
		fmt.Println(r.Summary(terminalWidth()))
		line, err := runLine(run)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(line)
	}
}

// runLine is the run id and its config snapshot.
func runLine(run store.Run) (string, error) {
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return "", fmt.Errorf("encode run config: %w", err)
	}
	return fmt.Sprintf("  run %s  %s", run.ID, cfgJSON), nil
}
