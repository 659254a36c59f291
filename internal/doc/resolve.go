package doc

import "fmt"

// resolvedPos locates a position: path holds the child indices of the
// enclosing blocks from the top level down, offset is the token offset
// inside that parent's content.
type resolvedPos struct {
	path   []int
	offset int
}

func (r resolvedPos) sameParent(other resolvedPos) bool {
	if len(r.path) != len(other.path) {
		return false
	}
	for i := range r.path {
		if r.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

func (d Document) resolve(pos int) (resolvedPos, error) {
	if pos < 0 || pos > d.Size() {
		return resolvedPos{}, fmt.Errorf("position %d outside document of size %d", pos, d.Size())
	}
	var path []int
	content := d.Content
	start := 0
descend:
	for {
		cur := start
		for i, n := range content {
			size := n.Size()
			if pos < cur+size && pos > cur && !n.IsText() {
				path = append(path, i)
				content = n.Content
				start = cur + 1
				continue descend
			}
			if pos < cur+size {
				break
			}
			cur += size
		}
		return resolvedPos{path: path, offset: pos - start}, nil
	}
}

// nodeAt returns the child of the resolved parent that starts exactly at
// the resolved offset.
func (d Document) nodeAt(r resolvedPos) (Node, int, bool) {
	content := d.fragmentAt(r.path)
	pos := 0
	for i, n := range content {
		if pos == r.offset {
			return n, i, true
		}
		if pos > r.offset {
			break
		}
		pos += n.Size()
	}
	return Node{}, 0, false
}

func (d Document) fragmentAt(path []int) Fragment {
	content := d.Content
	for _, i := range path {
		content = content[i].Content
	}
	return content
}

// withFragment returns a copy of d whose fragment at path is replaced.
// Only the nodes along path are copied.
func (d Document) withFragment(path []int, replacement Fragment) Document {
	return Document{Content: replaceAlong(d.Content, path, replacement)}
}

func replaceAlong(content Fragment, path []int, replacement Fragment) Fragment {
	if len(path) == 0 {
		return replacement
	}
	out := make(Fragment, len(content))
	copy(out, content)
	child := out[path[0]]
	child.Content = replaceAlong(child.Content, path[1:], replacement)
	out[path[0]] = child
	return out
}
