package doc

// Diff returns a single top-level replace step turning a into b, covering
// the span between their common leading and trailing blocks. It returns
// nil when the documents are equal.
func Diff(a, b Document) Step {
	prefix := 0
	for prefix < len(a.Content) && prefix < len(b.Content) && a.Content[prefix].equal(b.Content[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(a.Content)-prefix && suffix < len(b.Content)-prefix &&
		a.Content[len(a.Content)-1-suffix].equal(b.Content[len(b.Content)-1-suffix]) {
		suffix++
	}
	if prefix == len(a.Content) && prefix == len(b.Content) {
		return nil
	}

	from := a.Content[:prefix].Size()
	to := a.Size() - a.Content[len(a.Content)-suffix:].Size()
	slice := append(Fragment(nil), b.Content[prefix:len(b.Content)-suffix]...)
	return ReplaceStep{From: from, To: to, Slice: slice}
}
