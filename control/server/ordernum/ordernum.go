// Package ordernum issues human readable order numbers of the form
// ORD20240731000001. The daily counter is persisted so numbers never repeat
// across restarts.
package ordernum

import (
	"fmt"
	"time"
)

const Prefix = "ORD"

type Sequencer interface {
	NextSequence(name string) (uint64, error)
}

type Generator struct {
	seq Sequencer
	loc *time.Location
	now func() time.Time
}

// New returns a generator keyed on the calendar day in loc. A nil loc uses
// UTC.
func New(seq Sequencer, loc *time.Location) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	return &Generator{seq: seq, loc: loc, now: time.Now}
}

func (g *Generator) Next() (string, error) {
	day := g.now().In(g.loc).Format("20060102")
	n, err := g.seq.NextSequence("order:" + day)
	if err != nil {
		return "", fmt.Errorf("next order sequence: %w", err)
	}
	return fmt.Sprintf("%s%s%06d", Prefix, day, n), nil
}
