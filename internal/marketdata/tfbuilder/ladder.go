package tfbuilder

import (
	"fmt"

	"eldorado/internal/model"
)

// Ladder is an ascending set of timeframes where each step evenly divides
// the next. Index 0 is the native timeframe candles are built at.
type Ladder []model.TimeFrame

// DefaultLadder is the production ladder: 15m, 1h, 4h, 12h, 1d.
var DefaultLadder = MustLadder(model.T15, model.H01, model.H04, model.H12, model.D01)

// NewLadder validates tfs as a ladder.
func NewLadder(tfs ...model.TimeFrame) (Ladder, error) {
	if len(tfs) == 0 {
		return nil, fmt.Errorf("tfbuilder: empty ladder")
	}
	for i, tf := range tfs {
		if tf <= 0 {
			return nil, fmt.Errorf("tfbuilder: invalid timeframe %d", tf)
		}
		if i == 0 {
			continue
		}
		prev := tfs[i-1]
		if tf <= prev {
			return nil, fmt.Errorf("tfbuilder: ladder not ascending at %s -> %s", prev, tf)
		}
		if !prev.Divides(tf) {
			return nil, fmt.Errorf("tfbuilder: %s does not evenly divide %s", prev, tf)
		}
	}
	return append(Ladder(nil), tfs...), nil
}

// MustLadder is NewLadder that panics on an invalid ladder.
func MustLadder(tfs ...model.TimeFrame) Ladder {
	l, err := NewLadder(tfs...)
	if err != nil {
		panic(err)
	}
	return l
}

// Native returns the finest timeframe.
func (l Ladder) Native() model.TimeFrame { return l[0] }

// Coarser returns every timeframe above native, finest first.
func (l Ladder) Coarser() []model.TimeFrame { return l[1:] }

// Next returns the next-coarser step above tf.
func (l Ladder) Next(tf model.TimeFrame) (model.TimeFrame, bool) {
	for i := 0; i < len(l)-1; i++ {
		if l[i] == tf {
			return l[i+1], true
		}
	}
	return 0, false
}

// Finer returns the next-finer step below tf.
func (l Ladder) Finer(tf model.TimeFrame) (model.TimeFrame, bool) {
	for i := 1; i < len(l); i++ {
		if l[i] == tf {
			return l[i-1], true
		}
	}
	return 0, false
}

// Contains reports whether tf is a step of the ladder.
func (l Ladder) Contains(tf model.TimeFrame) bool {
	for _, x := range l {
		if x == tf {
			return true
		}
	}
	return false
}
