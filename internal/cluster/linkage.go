package cluster

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Linkage selects how the distance between two clusters is derived from
// the distances between their members.
type Linkage string

const (
	// LinkageAverage is the size-weighted mean pairwise distance (UPGMA).
	LinkageAverage Linkage = "average"
	// LinkageSingle is the closest pair of members.
	LinkageSingle Linkage = "single"
	// LinkageComplete is the farthest pair of members.
	LinkageComplete Linkage = "complete"
)

// ErrUnknownLinkage is returned by ParseLinkage.
var ErrUnknownLinkage = errors.New("unknown linkage")

// ParseLinkage accepts a linkage name, case-insensitively. The empty string
// selects LinkageAverage.
func ParseLinkage(s string) (Linkage, error) {
	switch Linkage(strings.ToLower(strings.TrimSpace(s))) {
	case "", LinkageAverage:
		return LinkageAverage, nil
	case LinkageSingle:
		return LinkageSingle, nil
	case LinkageComplete:
		return LinkageComplete, nil
	}
	return "", fmt.Errorf("cluster: %w %q (want average, single or complete)", ErrUnknownLinkage, s)
}

func (l Linkage) String() string { return string(l) }

// update is the Lance–Williams recurrence: the distance from k to the union
// of a (size na) and b (size nb), given d(k,a) and d(k,b).
func (l Linkage) update(dka, dkb float64, na, nb int) float64 {
	switch l {
	case LinkageSingle:
		return math.Min(dka, dkb)
	case LinkageComplete:
		return math.Max(dka, dkb)
	default:
		return (float64(na)*dka + float64(nb)*dkb) / float64(na+nb)
	}
}
