package registry

import (
	"slices"
	"sync"
)

// NodeID is a stable arena index. IDs are never reused.
type NodeID uint64

const rootID NodeID = 0

// Status is the synchronization state of a node.
type Status int32

const (
	StatusUnsynced Status = iota
	StatusSyncing
	StatusSynced
)

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Status) String() string {
	switch s {
	case StatusSyncing:
		return "syncing"
	case StatusSynced:
		return "synced"
	default:
		return "unsynced"
	}
}

// node owns one path segment. Structure fields (segment, isDir, parent,
// children) are guarded by the registry lock; status and gen by stateMu so
// transfers can update them without holding the tree.
type node struct {
	id       NodeID
	segment  string
	isDir    bool
	parent   NodeID
	children map[string]NodeID

	stateMu sync.Mutex
	status  Status
	gen     uint64 // bumped on every invalidation
}

// Status returns the current synchronization state.
func (n *node) Status() Status {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.status
}

// invalidate moves the node back to Unsynced from any state.
func (n *node) invalidate() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.gen++
	n.status = StatusUnsynced
}

// begin marks the node Syncing and returns the generation the transfer runs against.
func (n *node) begin() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.status = StatusSyncing
	return n.gen
}

// finish ends a transfer started at gen. An invalidation since begin wins,
// leaving the node Unsynced. Returns true if the node is now Synced.
func (n *node) finish(gen uint64, ok bool) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.gen != gen {
		return false
	}
	if ok {
		n.status = StatusSynced
	} else {
		n.status = StatusUnsynced
	}
	return ok
}

// arena owns every node of the trie, keyed by id. Parents are referenced by
// id only.
type arena struct {
	nodes map[NodeID]*node
	next  NodeID
}

func newArena() *arena {
	a := &arena{nodes: make(map[NodeID]*node)}
	a.nodes[rootID] = &node{id: rootID, isDir: true, parent: rootID}
	a.next = rootID + 1
	return a
}

func (a *arena) root() *node {
	return a.nodes[rootID]
}

func (a *arena) get(id NodeID) (*node, bool) {
	n, ok := a.nodes[id]
	return n, ok
}

func (a *arena) child(parent *node, segment string) (*node, bool) {
	id, ok := parent.children[segment]
	if !ok {
		return nil, false
	}
	return a.get(id)
}

// addChild creates a node under parent. New nodes start Unsynced.
func (a *arena) addChild(parent *node, segment string, isDir bool) *node {
	n := &node{
		id:      a.next,
		segment: segment,
		isDir:   isDir,
		parent:  parent.id,
	}
	a.next++
	a.nodes[n.id] = n

	if parent.children == nil {
		parent.children = make(map[string]NodeID)
	}
	parent.children[segment] = n.id
	return n
}

// detach unlinks n from its parent and drops its whole subtree from the arena.
func (a *arena) detach(n *node) {
	if n.id == rootID {
		return
	}
	if parent, ok := a.get(n.parent); ok {
		delete(parent.children, n.segment)
	}
	for _, d := range a.traverse(n) {
		delete(a.nodes, d.id)
	}
}

// traverse returns n and all of its descendants, pre-order.
func (a *arena) traverse(n *node) []*node {
	out := []*node{n}
	for _, c := range a.sortedChildren(n) {
		out = append(out, a.traverse(c)...)
	}
	return out
}

// sortedChildren returns the children of n ordered by segment.
func (a *arena) sortedChildren(n *node) []*node {
	if len(n.children) == 0 {
		return nil
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]*node, 0, len(keys))
	for _, k := range keys {
		if c, ok := a.get(n.children[k]); ok {
			out = append(out, c)
		}
	}
	return out
}

// path reconstructs the segments from the root down to n.
func (a *arena) path(n *node) []string {
	var segments []string
	for cur := n; cur.id != rootID; {
		segments = append(segments, cur.segment)
		parent, ok := a.get(cur.parent)
		if !ok {
			break
		}
		cur = parent
	}
	slices.Reverse(segments)
	return segments
}

func (a *arena) len() int {
	return len(a.nodes)
}
