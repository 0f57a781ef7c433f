package registry

const indentStep = 2

// TreeEntry is one row of the rendered tree.
type TreeEntry struct {
	Indent int    `json:"indent"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	IsDir  bool   `json:"isDir"`
	Status Status `json:"status"`
}

// Tree returns a pre-order, root-excluded projection of the trie. Siblings
// are ordered by name. Safe to call from any goroutine.
func (r *Registry) Tree() []TreeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TreeEntry, 0, r.arena.len()-1)
	var walk func(indent int, prefix string, n *node)
	walk = func(indent int, prefix string, n *node) {
		path := prefix + n.segment
		out = append(out, TreeEntry{
			Indent: indent,
			Name:   n.segment,
			Path:   path,
			IsDir:  n.isDir,
			Status: n.Status(),
		})
		for _, c := range r.arena.sortedChildren(n) {
			walk(indent+indentStep, path+"/", c)
		}
	}

	for _, c := range r.arena.sortedChildren(r.arena.root()) {
		walk(0, "", c)
	}
	return out
}

// Size is the number of entries Tree would return.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.arena.len() - 1
}
