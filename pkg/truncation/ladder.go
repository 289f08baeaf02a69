package truncation

import (
	"errors"
	"fmt"
)

// DefaultMaxAttempts bounds calls per stage: the initial call plus two
// escalations.
const DefaultMaxAttempts = 3

// Ladder is an ordered list of generation-length budgets. Each rung must be
// strictly larger than the one before it.
type Ladder []int

// DefaultLadder returns the standard budget ladder.
func DefaultLadder() Ladder {
	return Ladder{8000, 12000, 16000, 20000}
}

// Validate checks that the ladder is non-empty, positive and strictly
// increasing.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.New("token ladder is empty")
	}
	for i, v := range l {
		if v <= 0 {
			return fmt.Errorf("token ladder rung %d must be positive, got %d", i, v)
		}
		if i > 0 && v <= l[i-1] {
			return fmt.Errorf("token ladder must be strictly increasing: rung %d (%d) <= rung %d (%d)", i, v, i-1, l[i-1])
		}
	}
	return nil
}

// First returns the starting budget.
func (l Ladder) First() int {
	if len(l) == 0 {
		return DefaultLadder()[0]
	}
	return l[0]
}

// Next returns the smallest rung strictly greater than current. ok is false
// once the ladder is exhausted.
func (l Ladder) Next(current int) (next int, ok bool) {
	for _, v := range l {
		if v > current {
			return v, true
		}
	}
	return current, false
}
