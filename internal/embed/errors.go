package embed

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmbeddingFailure is matched by every per-text embedding error:
	// model unavailable, empty text, text over the token limit, transport
	// errors and degenerate vectors.
	ErrEmbeddingFailure = errors.New("embedding failure")

	// ErrDegenerateEmbedding is a zero-norm or non-finite vector. It also
	// matches ErrEmbeddingFailure.
	ErrDegenerateEmbedding = fmt.Errorf("%w: degenerate embedding", ErrEmbeddingFailure)

	// ErrEmptyText is returned instead of embedding blank input. A zero
	// vector would sit at the same distance from everything.
	ErrEmptyText = fmt.Errorf("%w: empty text", ErrEmbeddingFailure)

	// ErrTooLong is returned when text exceeds the token limit.
	ErrTooLong = fmt.Errorf("%w: text exceeds token limit", ErrEmbeddingFailure)

	// ErrUnavailable is returned when the model cannot be reached or loaded.
	ErrUnavailable = fmt.Errorf("%w: model unavailable", ErrEmbeddingFailure)
)

// Failure is the error for a single input text.
type Failure struct {
	Index int
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("embed: text %d: %v", f.Index, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// FailureSet collects per-index failures from EmbedMany. Vectors at the
// failed indices are nil; every other index holds a valid embedding.
type FailureSet struct {
	Failures []*Failure // sorted by Index
}

func (s *FailureSet) Error() string {
	if len(s.Failures) == 1 {
		return s.Failures[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "embed: %d texts failed", len(s.Failures))
	for i, f := range s.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; text %d: %v", f.Index, f.Err)
	}
	return b.String()
}

// Unwrap exposes every failure to errors.Is / errors.As.
func (s *FailureSet) Unwrap() []error {
	errs := make([]error, len(s.Failures))
	for i, f := range s.Failures {
		errs[i] = f
	}
	return errs
}

// Indices returns the failed input indices in ascending order.
func (s *FailureSet) Indices() []int {
	idx := make([]int, len(s.Failures))
	for i, f := range s.Failures {
		idx[i] = f.Index
	}
	return idx
}

func newFailureSet(failures []*Failure) error {
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
	return &FailureSet{Failures: failures}
}
