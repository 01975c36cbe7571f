// Package report writes the per-topic outputs of a run: a plain text
// report, a JSON export of every cluster, the analysis views, and a styled
// summary for the terminal.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/abelbrown/eventthread/internal/analysis"
	"github.com/abelbrown/eventthread/internal/events"
)

const (
	// TopClusters is the number of events listed in the text report.
	TopClusters = 10
	// TopCoverage is the number of events in the coverage series.
	TopCoverage = 5
)

// Report is everything written for one topic.
type Report struct {
	Topic   string
	RunID   string
	Events  *events.Store
	Skipped int
	// Bucket is the coverage period: "day", "week" or "month" (default).
	Bucket string
}

// Files are the paths written by WriteFiles.
type Files struct {
	Text     string
	Clusters string
	Analysis string
}

// WriteFiles writes <topic>_report.txt, <topic>_clusters.json and
// <topic>_analysis.json into dir, creating it if needed.
func WriteFiles(dir string, r Report) (Files, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Files{}, fmt.Errorf("report: create output dir: %w", err)
	}
	base := fileName(r.Topic)
	files := Files{
		Text:     filepath.Join(dir, base+"_report.txt"),
		Clusters: filepath.Join(dir, base+"_clusters.json"),
		Analysis: filepath.Join(dir, base+"_analysis.json"),
	}
	writers := []struct {
		path  string
		write func(io.Writer) error
	}{
		{files.Text, r.WriteText},
		{files.Clusters, r.WriteJSON},
		{files.Analysis, r.WriteAnalysis},
	}
	for _, w := range writers {
		if err := writeFile(w.path, w.write); err != nil {
			return Files{}, err
		}
	}
	return files, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return f.Close()
}

// fileName keeps a topic name usable as a file name prefix.
func fileName(topic string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, strings.TrimSpace(topic))
	if name == "" {
		return "topic"
	}
	return name
}

// WriteText writes the totals and the largest events with a sample
// headline each.
func (r Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis Report for %s\n", r.Topic)
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&b, "Total Stories: %d\n", r.Events.Len())
	fmt.Fprintf(&b, "Total Clusters: %d\n", r.Events.NumClusters())
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "Skipped Stories: %d\n", r.Skipped)
	}
	b.WriteString("\nTop Event Clusters:\n")
	sums := r.Events.Summaries()
	if len(sums) > TopClusters {
		sums = sums[:TopClusters]
	}
	for _, s := range sums {
		fmt.Fprintf(&b, "  - Cluster %d (%d stories): %s\n", s.ID, s.Size, s.Sample.Title)
	}

	net := analysis.SourceNetwork(r.Events, analysis.DefaultTopSources, analysis.DefaultMinWeight)
	if len(net.Edges) > 0 {
		edges := append([]analysis.Edge(nil), net.Edges...)
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
		b.WriteString("\nSource Overlap:\n")
		for i, e := range edges {
			if i == TopClusters {
				break
			}
			fmt.Fprintf(&b, "  - %s / %s: %.2f\n", e.A, e.B, e.Weight)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Export is the JSON shape of <topic>_clusters.json.
type Export struct {
	Topic         string          `json:"topic"`
	RunID         string          `json:"run_id,omitempty"`
	TotalStories  int             `json:"total_stories"`
	TotalClusters int             `json:"total_clusters"`
	Clusters      []ExportCluster `json:"clusters"`
}

// ExportCluster is one event, its stories in input order.
type ExportCluster struct {
	ClusterID int           `json:"cluster_id"`
	Size      int           `json:"size"`
	Stories   []ExportStory `json:"stories"`
}

// ExportStory is one story in the export.
type ExportStory struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	PublishDate string `json:"publish_date"`
	MediaName   string `json:"media_name"`
}

// NewExport builds the export, largest cluster first.
func NewExport(r Report) Export {
	exp := Export{
		Topic:         r.Topic,
		RunID:         r.RunID,
		TotalStories:  r.Events.Len(),
		TotalClusters: r.Events.NumClusters(),
		Clusters:      make([]ExportCluster, 0, r.Events.NumClusters()),
	}
	for _, s := range r.Events.Summaries() {
		members, err := r.Events.MembersOf(s.ID)
		if err != nil {
			continue
		}
		c := ExportCluster{ClusterID: int(s.ID), Size: len(members), Stories: make([]ExportStory, len(members))}
		for i, st := range members {
			c.Stories[i] = ExportStory{
				ID:          st.ID,
				Title:       st.Title,
				URL:         st.URL,
				PublishDate: st.Published.UTC().Format(time.RFC3339),
				MediaName:   st.Source,
			}
		}
		exp.Clusters = append(exp.Clusters, c)
	}
	return exp
}

// WriteJSON writes the cluster export.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewExport(r))
}

// Analysis is the JSON shape of <topic>_analysis.json.
type Analysis struct {
	Topic    string            `json:"topic"`
	Bucket   string            `json:"bucket"`
	Coverage analysis.Coverage `json:"coverage"`
	Network  analysis.Network  `json:"network"`
}

// WriteAnalysis writes the coverage of the largest events per r.Bucket and
// the source co-coverage network.
func (r Report) WriteAnalysis(w io.Writer) error {
	bucket, ok := analysis.ParseBucket(r.Bucket)
	if !ok {
		return fmt.Errorf("report: unknown coverage bucket %q", r.Bucket)
	}
	name := r.Bucket
	if name == "" {
		name = "month"
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Analysis{
		Topic:    r.Topic,
		Bucket:   name,
		Coverage: analysis.CoverageVolume(r.Events, TopCoverage, bucket),
		Network:  analysis.SourceNetwork(r.Events, analysis.DefaultTopSources, analysis.DefaultMinWeight),
	})
}
