package optpath

// Accessor applies path operations to one tree. The root may itself be
// replaced (Set with an empty path, or Splice on a root sequence), so callers
// read it back through Root.
//
// An Accessor is not safe for concurrent mutation; callers serialize writes.
type Accessor struct {
	root any
}

// New wraps root.
func New(root any) *Accessor {
	return &Accessor{root: root}
}

// Root returns the current root value.
func (a *Accessor) Root() any { return a.root }

// slot is a resolved location: the container holding the final key plus a
// way to write a replacement container back into its own parent.
type slot struct {
	container any
	key       Key
	writeBack func(any)
}

func (a *Accessor) resolve(p Path) (any, error) {
	cur := a.root
	for i, k := range p {
		next, err := child(cur, k, p[:i+1])
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// parent resolves every key but the last.
func (a *Accessor) parent(p Path) (*slot, error) {
	if len(p) == 0 {
		return nil, &Error{Type: ErrorTypeShape, Path: "", Message: "operation requires a non-empty path"}
	}
	cur := a.root
	writeBack := func(v any) { a.root = v }
	for i, k := range p[:len(p)-1] {
		next, err := child(cur, k, p[:i+1])
		if err != nil {
			return nil, err
		}
		writeBack = childWriter(cur, k)
		cur = next
	}
	return &slot{container: cur, key: p[len(p)-1], writeBack: writeBack}, nil
}

func child(container any, k Key, prefix Path) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		if k.isIndex {
			return nil, shapeError(prefix, "cannot index a mapping")
		}
		v, ok := c[k.name]
		if !ok {
			return nil, &Error{Type: ErrorTypeMissing, Path: prefix.String(), Message: "no such key"}
		}
		return v, nil
	case []any:
		if !k.isIndex {
			return nil, shapeError(prefix, "cannot use a name on a sequence")
		}
		if k.index < 0 || k.index >= len(c) {
			return nil, &Error{Type: ErrorTypeRange, Path: prefix.String(), Message: "index out of range"}
		}
		return c[k.index], nil
	default:
		return nil, shapeError(prefix, "value is not a container")
	}
}

// childWriter returns a setter for the element k of container, which must
// already have been validated by child.
func childWriter(container any, k Key) func(any) {
	switch c := container.(type) {
	case map[string]any:
		return func(v any) { c[k.name] = v }
	case []any:
		return func(v any) { c[k.index] = v }
	default:
		return func(any) {}
	}
}

func shapeError(prefix Path, msg string) *Error {
	return &Error{Type: ErrorTypeShape, Path: prefix.String(), Message: msg}
}

// Get returns the value at p.
func (a *Accessor) Get(p Path) (any, error) {
	return a.resolve(p)
}

// Set stores v at p. The parent must exist. On a sequence, the index may be
// one past the end, which appends.
func (a *Accessor) Set(p Path, v any) error {
	if len(p) == 0 {
		a.root = v
		return nil
	}
	s, err := a.parent(p)
	if err != nil {
		return err
	}
	switch c := s.container.(type) {
	case map[string]any:
		if s.key.isIndex {
			return shapeError(p, "cannot index a mapping")
		}
		c[s.key.name] = v
		return nil
	case []any:
		if !s.key.isIndex {
			return shapeError(p, "cannot use a name on a sequence")
		}
		switch {
		case s.key.index >= 0 && s.key.index < len(c):
			c[s.key.index] = v
		case s.key.index == len(c):
			s.writeBack(append(c, v))
		default:
			return &Error{Type: ErrorTypeRange, Path: p.String(), Message: "index out of range"}
		}
		return nil
	default:
		return shapeError(p[:len(p)-1], "value is not a container")
	}
}

// Delete removes the mapping key at p. Sequence elements cannot be deleted;
// use Splice.
func (a *Accessor) Delete(p Path) error {
	s, err := a.parent(p)
	if err != nil {
		return err
	}
	c, ok := s.container.(map[string]any)
	if !ok {
		if _, isSeq := s.container.([]any); isSeq {
			return shapeError(p, "cannot delete a sequence element")
		}
		return shapeError(p[:len(p)-1], "value is not a container")
	}
	if s.key.isIndex {
		return shapeError(p, "cannot index a mapping")
	}
	if _, exists := c[s.key.name]; !exists {
		return &Error{Type: ErrorTypeMissing, Path: p.String(), Message: "no such key"}
	}
	delete(c, s.key.name)
	return nil
}

// Swap exchanges the values at p1 and p2. Both paths are resolved before
// anything is written, so a failure leaves the tree untouched.
func (a *Accessor) Swap(p1, p2 Path) error {
	s1, err := a.parent(p1)
	if err != nil {
		return err
	}
	s2, err := a.parent(p2)
	if err != nil {
		return err
	}
	v1, err := child(s1.container, s1.key, p1)
	if err != nil {
		return err
	}
	v2, err := child(s2.container, s2.key, p2)
	if err != nil {
		return err
	}
	childWriter(s1.container, s1.key)(v2)
	childWriter(s2.container, s2.key)(v1)
	return nil
}

// Splice removes deleteCount elements of the sequence at p starting at start,
// inserts items in their place, and returns the removed elements. start and
// deleteCount are clamped the way a general sequence splice clamps them: a
// negative start counts from the end.
func (a *Accessor) Splice(p Path, start, deleteCount int, items []any) ([]any, error) {
	seq, write, err := a.sequence(p)
	if err != nil {
		return nil, err
	}
	n := len(seq)
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	} else if start > n {
		start = n
	}
	if deleteCount < 0 {
		deleteCount = 0
	} else if deleteCount > n-start {
		deleteCount = n - start
	}

	removed := make([]any, deleteCount)
	copy(removed, seq[start:start+deleteCount])

	out := make([]any, 0, n-deleteCount+len(items))
	out = append(out, seq[:start]...)
	out = append(out, items...)
	out = append(out, seq[start+deleteCount:]...)
	write(out)
	return removed, nil
}

// Push appends items to the sequence at p and returns its new length.
func (a *Accessor) Push(p Path, items ...any) (int, error) {
	seq, write, err := a.sequence(p)
	if err != nil {
		return 0, err
	}
	out := append(seq, items...)
	write(out)
	return len(out), nil
}

func (a *Accessor) sequence(p Path) ([]any, func(any), error) {
	if len(p) == 0 {
		seq, ok := a.root.([]any)
		if !ok {
			return nil, nil, shapeError(p, "value is not a sequence")
		}
		return seq, func(v any) { a.root = v }, nil
	}
	s, err := a.parent(p)
	if err != nil {
		return nil, nil, err
	}
	v, err := child(s.container, s.key, p)
	if err != nil {
		return nil, nil, err
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, nil, shapeError(p, "value is not a sequence")
	}
	return seq, childWriter(s.container, s.key), nil
}
