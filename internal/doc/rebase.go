package doc

// Rebaser carries a batch of client steps, each authored on top of the
// previous one, over a sequence of changes committed since the client's
// base. Call Step for each client step in order.
type Rebaser struct {
	since []StepMap
}

// NewRebaser starts from the maps of the committed steps, oldest first.
func NewRebaser(since []StepMap) *Rebaser {
	return &Rebaser{since: append([]StepMap(nil), since...)}
}

// NewRebaserFromSteps is NewRebaser over the committed steps themselves.
func NewRebaserFromSteps(since []Step) *Rebaser {
	maps := make([]StepMap, 0, len(since))
	for _, s := range since {
		maps = append(maps, s.Map())
	}
	return &Rebaser{since: maps}
}

// Step rebases s onto the committed head. apply, when non-nil, is called
// with the rebased step and a failure counts as a conflict. When s is
// dropped its effect is removed from the client's frame, so later steps
// that depended on it are dropped too.
func (r *Rebaser) Step(s Step, apply func(Step) error) (Step, bool) {
	rebased, transformed, ok := transform(s, r.since)
	if ok && apply != nil && apply(rebased) != nil {
		ok = false
	}
	if !ok {
		inverse := s.Map().Invert()
		if !inverse.Empty() {
			r.since = append([]StepMap{inverse}, r.since...)
		}
		return nil, false
	}
	r.since = transformed
	return rebased, true
}

// transform maps s over every committed map and re-expresses each map in
// the frame after s.
func transform(s Step, since []StepMap) (Step, []StepMap, bool) {
	transformed := make([]StepMap, len(since))
	cur := s
	for i, m := range since {
		next, ok := cur.mapThrough(m)
		if !ok {
			return nil, nil, false
		}
		transformed[i] = m.over(cur.Map())
		cur = next
	}
	return cur, transformed, true
}

// Rebase maps step through steps committed after its base, oldest first.
// It returns nil when an intervening step removed or overlapped the
// step's target.
func Rebase(step Step, since []Step) Step {
	rebased, ok := NewRebaserFromSteps(since).Step(step, nil)
	if !ok {
		return nil
	}
	return rebased
}
