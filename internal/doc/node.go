// Package doc is the page body model: a tree of blocks and text addressed by
// integer positions, and the invertible, rebasable steps that edit it.
//
// A block occupies one token for its opening, its content, and one token
// for its closing. Text occupies one token per code point. Position p sits
// between tokens, so a document of size n has positions 0..n.
package doc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	NodeBlock = "block"
	NodeText  = "text"
)

// Node is either a block or a run of text.
type Node struct {
	Type        string                     `json:"type"`
	Text        string                     `json:"text,omitempty"`
	ID          string                     `json:"id,omitempty"`
	ComponentID string                     `json:"componentId,omitempty"`
	EntityID    string                     `json:"entityId,omitempty"`
	Attrs       map[string]json.RawMessage `json:"attrs,omitempty"`
	Content     Fragment                   `json:"content,omitempty"`
}

// Fragment is an ordered run of sibling nodes.
type Fragment []Node

// Document is a page body. Its top level holds blocks only.
type Document struct {
	Content Fragment
}

func Block(componentID string, content ...Node) Node {
	return Node{Type: NodeBlock, ComponentID: componentID, Content: content}
}

func Text(text string) Node {
	return Node{Type: NodeText, Text: text}
}

func NewDocument(blocks ...Node) Document {
	return Document{Content: Fragment(blocks).normalize()}
}

func (n Node) IsText() bool { return n.Type == NodeText }

func (n Node) Size() int {
	if n.IsText() {
		return utf8.RuneCountInString(n.Text)
	}
	return 2 + n.Content.Size()
}

func (f Fragment) Size() int {
	size := 0
	for _, n := range f {
		size += n.Size()
	}
	return size
}

func (d Document) Size() int { return d.Content.Size() }

// TextContent joins the text of every block, one line per top-level block.
func (d Document) TextContent() string {
	lines := make([]string, 0, len(d.Content))
	for _, n := range d.Content {
		lines = append(lines, n.textContent())
	}
	return strings.Join(lines, "\n")
}

func (n Node) textContent() string {
	if n.IsText() {
		return n.Text
	}
	var b strings.Builder
	for _, c := range n.Content {
		b.WriteString(c.textContent())
	}
	return b.String()
}

func (d Document) MarshalJSON() ([]byte, error) {
	if d.Content == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Node(d.Content))
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var nodes []Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return err
	}
	if err := checkFragment(nodes, true); err != nil {
		return err
	}
	d.Content = Fragment(nodes).normalize()
	return nil
}

// Equal reports byte equality of the JSON encodings.
func (d Document) Equal(other Document) bool {
	a, _ := json.Marshal(d)
	b, _ := json.Marshal(other)
	return bytes.Equal(a, b)
}

func (n Node) equal(other Node) bool {
	a, _ := json.Marshal(n)
	b, _ := json.Marshal(other)
	return bytes.Equal(a, b)
}

// checkFragment verifies node shapes. topLevel requires blocks only.
func checkFragment(nodes []Node, topLevel bool) error {
	for i, n := range nodes {
		switch n.Type {
		case NodeText:
			if topLevel {
				return fmt.Errorf("node %d: text is not allowed at the top level", i)
			}
			if len(n.Content) > 0 || n.ComponentID != "" {
				return fmt.Errorf("node %d: text nodes carry text only", i)
			}
		case NodeBlock:
			if strings.TrimSpace(n.ComponentID) == "" {
				return fmt.Errorf("node %d: block requires componentId", i)
			}
			if n.Text != "" {
				return fmt.Errorf("node %d: block cannot carry text", i)
			}
			if err := checkFragment(n.Content, false); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
		default:
			return fmt.Errorf("node %d: unknown node type %q", i, n.Type)
		}
	}
	return nil
}

// normalize merges adjacent text nodes and drops empty ones, recursively.
// The receiver is not modified.
func (f Fragment) normalize() Fragment {
	if len(f) == 0 {
		return nil
	}
	out := make(Fragment, 0, len(f))
	for _, n := range f {
		if n.IsText() {
			if n.Text == "" {
				continue
			}
			if last := len(out) - 1; last >= 0 && out[last].IsText() {
				out[last].Text += n.Text
				continue
			}
			out = append(out, n)
			continue
		}
		n.Content = n.Content.normalize()
		n.Attrs = copyAttrs(n.Attrs)
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// cut returns the nodes covering tokens [from, to) of f. Both bounds must
// fall between children or inside a text node.
func (f Fragment) cut(from, to int) (Fragment, error) {
	var out Fragment
	pos := 0
	for _, n := range f {
		size := n.Size()
		end := pos + size
		if end <= from || pos >= to {
			pos = end
			continue
		}
		if pos >= from && end <= to {
			out = append(out, n)
			pos = end
			continue
		}
		if !n.IsText() {
			return nil, fmt.Errorf("range %d..%d splits a block", from, to)
		}
		runes := []rune(n.Text)
		start := max(from-pos, 0)
		stop := min(to-pos, size)
		out = append(out, Text(string(runes[start:stop])))
		pos = end
	}
	return out, nil
}

func copyAttrs(attrs map[string]json.RawMessage) map[string]json.RawMessage {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
