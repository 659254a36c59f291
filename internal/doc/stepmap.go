package doc

// StepMap records how a step moved positions: tokens [From, To) of the old
// document became Size tokens starting at From.
type StepMap struct {
	From int `json:"from"`
	To   int `json:"to"`
	Size int `json:"size"`
}

func (m StepMap) Empty() bool {
	return m.From == m.To && m.Size == 0
}

// Map moves pos through the change. assoc decides which side an insertion
// at exactly pos lands on: assoc < 0 keeps pos before it, otherwise pos
// moves past it. Range bounds map to the matching bound of the new content.
// deleted reports a pos strictly inside the replaced range.
func (m StepMap) Map(pos, assoc int) (mapped int, deleted bool) {
	if m.Empty() || pos < m.From {
		return pos, false
	}
	if pos > m.To {
		return pos + m.Size - (m.To - m.From), false
	}
	if m.From == m.To {
		if assoc < 0 {
			return pos, false
		}
		return pos + m.Size, false
	}
	switch {
	case pos == m.From:
		return m.From, false
	case pos == m.To:
		return m.From + m.Size, false
	case assoc < 0:
		return m.From, true
	default:
		return m.From + m.Size, true
	}
}

// Invert returns the map of the inverse step.
func (m StepMap) Invert() StepMap {
	return StepMap{From: m.From, To: m.From + m.Size, Size: m.To - m.From}
}

// over re-expresses m, which shares a base document with other, in the
// document produced by other. m's change is ordered before other's on ties.
func (m StepMap) over(other StepMap) StepMap {
	if m.Empty() || other.Empty() {
		return m
	}
	if m.From == m.To {
		pos, _ := other.Map(m.From, -1)
		return StepMap{From: pos, To: pos, Size: m.Size}
	}
	from, _ := other.Map(m.From, 1)
	to, _ := other.Map(m.To, -1)
	if to < from {
		to = from
	}
	return StepMap{From: from, To: to, Size: m.Size}
}

// Mapping is a sequence of maps applied in order.
type Mapping []StepMap

func (ms Mapping) Map(pos, assoc int) (int, bool) {
	deleted := false
	for _, m := range ms {
		var d bool
		pos, d = m.Map(pos, assoc)
		deleted = deleted || d
	}
	return pos, deleted
}
