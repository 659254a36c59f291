package doc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// InvalidStepError is returned when a step cannot apply to a document:
// positions out of range, a range spanning parents, or malformed content.
type InvalidStepError struct {
	Index  int
	Reason string
}

func (e *InvalidStepError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid step %d: %s", e.Index, e.Reason)
	}
	return "invalid step: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &InvalidStepError{Index: -1, Reason: fmt.Sprintf(format, args...)}
}

// Step is an atomic, invertible edit.
type Step interface {
	Apply(d Document) (Document, error)
	Invert(before Document) (Step, error)
	Map() StepMap
	// mapThrough rebases the step over a change it did not see. ok is false
	// when that change invalidated the step's target.
	mapThrough(m StepMap) (step Step, ok bool)
}

// ReplaceStep replaces tokens [From, To) with Slice. From and To must share
// a parent. Insert and delete are the empty-range and empty-slice cases.
type ReplaceStep struct {
	From  int
	To    int
	Slice Fragment
}

func Insert(pos int, nodes ...Node) ReplaceStep {
	return ReplaceStep{From: pos, To: pos, Slice: nodes}
}

func Delete(from, to int) ReplaceStep {
	return ReplaceStep{From: from, To: to}
}

func (s ReplaceStep) Apply(d Document) (Document, error) {
	if s.From > s.To {
		return Document{}, invalid("from %d is after to %d", s.From, s.To)
	}
	from, err := d.resolve(s.From)
	if err != nil {
		return Document{}, invalid("%v", err)
	}
	to, err := d.resolve(s.To)
	if err != nil {
		return Document{}, invalid("%v", err)
	}
	if !from.sameParent(to) {
		return Document{}, invalid("range %d..%d spans different parents", s.From, s.To)
	}
	if err := checkFragment(s.Slice, len(from.path) == 0); err != nil {
		return Document{}, invalid("slice %v", err)
	}

	parent := d.fragmentAt(from.path)
	before, err := parent.cut(0, from.offset)
	if err != nil {
		return Document{}, invalid("%v", err)
	}
	after, err := parent.cut(to.offset, parent.Size())
	if err != nil {
		return Document{}, invalid("%v", err)
	}

	next := make(Fragment, 0, len(before)+len(s.Slice)+len(after))
	next = append(next, before...)
	next = append(next, s.Slice...)
	next = append(next, after...)
	return d.withFragment(from.path, next.normalize()), nil
}

func (s ReplaceStep) Invert(before Document) (Step, error) {
	from, err := before.resolve(s.From)
	if err != nil {
		return nil, invalid("%v", err)
	}
	to, err := before.resolve(s.To)
	if err != nil {
		return nil, invalid("%v", err)
	}
	if !from.sameParent(to) {
		return nil, invalid("range %d..%d spans different parents", s.From, s.To)
	}
	removed, err := before.fragmentAt(from.path).cut(from.offset, to.offset)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return ReplaceStep{From: s.From, To: s.From + s.Slice.Size(), Slice: removed}, nil
}

func (s ReplaceStep) Map() StepMap {
	return StepMap{From: s.From, To: s.To, Size: s.Slice.Size()}
}

func (s ReplaceStep) mapThrough(m StepMap) (Step, bool) {
	if m.Empty() {
		return s, true
	}
	if s.From == s.To {
		if m.From < s.From && s.From < m.To {
			return nil, false
		}
		pos, _ := m.Map(s.From, 1)
		return ReplaceStep{From: pos, To: pos, Slice: s.Slice}, true
	}
	if m.From == m.To {
		if s.From < m.From && m.From < s.To {
			return nil, false
		}
	} else if s.From < m.To && m.From < s.To {
		return nil, false
	}
	from, _ := m.Map(s.From, 1)
	to, _ := m.Map(s.To, -1)
	if to < from {
		return nil, false
	}
	return ReplaceStep{From: from, To: to, Slice: s.Slice}, true
}

// AttrStep sets Key on the block starting at Pos. A nil Value removes it.
type AttrStep struct {
	Pos   int
	Key   string
	Value json.RawMessage
}

func (s AttrStep) target(d Document) (resolvedPos, Node, int, error) {
	if s.Key == "" {
		return resolvedPos{}, Node{}, 0, invalid("attribute key is required")
	}
	r, err := d.resolve(s.Pos)
	if err != nil {
		return resolvedPos{}, Node{}, 0, invalid("%v", err)
	}
	node, index, ok := d.nodeAt(r)
	if !ok || node.IsText() {
		return resolvedPos{}, Node{}, 0, invalid("no block starts at %d", s.Pos)
	}
	return r, node, index, nil
}

func (s AttrStep) Apply(d Document) (Document, error) {
	if s.Value != nil && !json.Valid(s.Value) {
		return Document{}, invalid("attribute %q value is not valid JSON", s.Key)
	}
	r, node, index, err := s.target(d)
	if err != nil {
		return Document{}, err
	}
	attrs := copyAttrs(node.Attrs)
	if isNullValue(s.Value) {
		delete(attrs, s.Key)
		if len(attrs) == 0 {
			attrs = nil
		}
	} else {
		if attrs == nil {
			attrs = make(map[string]json.RawMessage, 1)
		}
		attrs[s.Key] = append(json.RawMessage(nil), s.Value...)
	}
	node.Attrs = attrs

	parent := d.fragmentAt(r.path)
	next := make(Fragment, len(parent))
	copy(next, parent)
	next[index] = node
	return d.withFragment(r.path, next), nil
}

func (s AttrStep) Invert(before Document) (Step, error) {
	_, node, _, err := s.target(before)
	if err != nil {
		return nil, err
	}
	old, ok := node.Attrs[s.Key]
	if !ok {
		return AttrStep{Pos: s.Pos, Key: s.Key}, nil
	}
	return AttrStep{Pos: s.Pos, Key: s.Key, Value: append(json.RawMessage(nil), old...)}, nil
}

func (s AttrStep) Map() StepMap { return StepMap{} }

func (s AttrStep) mapThrough(m StepMap) (Step, bool) {
	if m.Empty() {
		return s, true
	}
	if m.From < m.To && m.From <= s.Pos && s.Pos < m.To {
		return nil, false
	}
	pos, _ := m.Map(s.Pos, 1)
	return AttrStep{Pos: pos, Key: s.Key, Value: s.Value}, true
}

func isNullValue(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Apply applies step to d.
func Apply(d Document, step Step) (Document, error) {
	if step == nil {
		return Document{}, invalid("nil step")
	}
	return step.Apply(d)
}

// ApplyAll applies steps in order; the returned error names the failing index.
func ApplyAll(d Document, steps []Step) (Document, error) {
	for i, step := range steps {
		next, err := Apply(d, step)
		if err != nil {
			var invalidErr *InvalidStepError
			if errors.As(err, &invalidErr) {
				return Document{}, &InvalidStepError{Index: i, Reason: invalidErr.Reason}
			}
			return Document{}, err
		}
		d = next
	}
	return d, nil
}

// Invert returns the step that undoes step when applied to step.Apply(before).
func Invert(step Step, before Document) (Step, error) {
	return step.Invert(before)
}

const (
	stepTypeReplace = "replace"
	stepTypeAttr    = "attr"
)

type stepJSON struct {
	StepType string          `json:"stepType"`
	From     *int            `json:"from,omitempty"`
	To       *int            `json:"to,omitempty"`
	Slice    Fragment        `json:"slice,omitempty"`
	Pos      *int            `json:"pos,omitempty"`
	Key      string          `json:"key,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

func (s ReplaceStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{StepType: stepTypeReplace, From: &s.From, To: &s.To, Slice: s.Slice})
}

func (s AttrStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{StepType: stepTypeAttr, Pos: &s.Pos, Key: s.Key, Value: s.Value})
}

// DecodeStep parses one step envelope.
func DecodeStep(data []byte) (Step, error) {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	switch raw.StepType {
	case stepTypeReplace:
		if raw.From == nil || raw.To == nil {
			return nil, invalid("replace step requires from and to")
		}
		return ReplaceStep{From: *raw.From, To: *raw.To, Slice: raw.Slice}, nil
	case stepTypeAttr:
		if raw.Pos == nil {
			return nil, invalid("attr step requires pos")
		}
		return AttrStep{Pos: *raw.Pos, Key: raw.Key, Value: raw.Value}, nil
	default:
		return nil, invalid("unknown stepType %q", raw.StepType)
	}
}

// Steps is a JSON-decodable step list.
type Steps []Step

func (s *Steps) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decode steps: %w", err)
	}
	out := make(Steps, 0, len(raws))
	for i, raw := range raws {
		step, err := DecodeStep(raw)
		if err != nil {
			var invalidErr *InvalidStepError
			if errors.As(err, &invalidErr) {
				return &InvalidStepError{Index: i, Reason: invalidErr.Reason}
			}
			return err
		}
		out = append(out, step)
	}
	*s = out
	return nil
}
