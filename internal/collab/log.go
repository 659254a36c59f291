package collab

import (
	"sync"
	"time"

	"pagecollab/internal/doc"
)

// entry is one committed version in the step log.
type entry struct {
	versionID     string
	prevVersionID string
	steps         []doc.Step
}

type pageState struct {
	// users and evict are guarded by Engine.mu.
	users    int
	evict    bool
	lastUsed time.Time

	mu sync.Mutex

	loaded bool
	head   string
	seq    int64
	props  doc.PageProperties
	log    []entry
}

func (ps *pageState) advance(e entry, seq int64, props doc.PageProperties, limit int) {
	ps.log = append(ps.log, e)
	if over := len(ps.log) - limit; over > 0 {
		ps.log = append([]entry(nil), ps.log[over:]...)
	}
	ps.head = e.versionID
	ps.seq = seq
	ps.props = props
}

// stepsAfter collects the logged steps committed after versionID, oldest
// first. ok is false when versionID is not covered by the log.
func (ps *pageState) stepsAfter(versionID string) ([]doc.Step, bool) {
	start := -1
	for i, e := range ps.log {
		if e.prevVersionID == versionID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}
	steps := []doc.Step{}
	for _, e := range ps.log[start:] {
		steps = append(steps, e.steps...)
	}
	return steps, true
}
