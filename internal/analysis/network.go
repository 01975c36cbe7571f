package analysis

import (
	"sort"

	"github.com/abelbrown/eventthread/internal/events"
)

const (
	// DefaultTopSources bounds the network to the most prolific sources.
	DefaultTopSources = 20
	// DefaultMinWeight is the Jaccard similarity an edge must exceed.
	DefaultMinWeight = 0.1
)

// Edge links two sources that cover overlapping events.
type Edge struct {
	A      string  `json:"a"`
	B      string  `json:"b"`
	Weight float64 `json:"weight"` // Jaccard similarity of their event sets
}

// Network is the source co-coverage graph.
type Network struct {
	Sources []string `json:"sources"` // by story count desc, then name
	Edges   []Edge   `json:"edges"`
}

// SourceNetwork links the top sources whose event sets have a Jaccard
// similarity above minWeight. Stories without a source are ignored.
func SourceNetwork(store *events.Store, top int, minWeight float64) Network {
	counts := make(map[string]int)
	eventsOf := make(map[string]map[events.EventID]struct{})
	for _, a := range store.Assignments() {
		st, err := store.Story(a.StoryID)
		if err != nil || st.Source == "" {
			continue
		}
		counts[st.Source]++
		set, ok := eventsOf[st.Source]
		if !ok {
			set = make(map[events.EventID]struct{})
			eventsOf[st.Source] = set
		}
		set[a.EventID] = struct{}{}
	}

	var net Network
	for src := range counts {
		net.Sources = append(net.Sources, src)
	}
	sort.Slice(net.Sources, func(i, j int) bool {
		a, b := net.Sources[i], net.Sources[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return a < b
	})
	if top > 0 && len(net.Sources) > top {
		net.Sources = net.Sources[:top]
	}

	for i, a := range net.Sources {
		for _, b := range net.Sources[i+1:] {
			if w := jaccard(eventsOf[a], eventsOf[b]); w > minWeight {
				net.Edges = append(net.Edges, Edge{A: a, B: b, Weight: w})
			}
		}
	}
	return net
}

func jaccard(a, b map[events.EventID]struct{}) float64 {
	inter := 0
	for id := range a {
		if _, ok := b[id]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
