package status

import (
	"fmt"
	"sort"
	"sync"
)

// Tree owns a root node and allocates ids for every node beneath it.
type Tree struct {
	mu     sync.Mutex
	nextID uint64
	root   *Node
}

// Node is a single entry in a status tree.
type Node struct {
	tree       *Tree
	id         uint64
	message    string
	hasMessage bool
	active     bool
	children   []*Node
	props      map[string]interface{}
}

// Snapshot is an immutable copy of a node and its visible descendants.
type Snapshot struct {
	ID       uint64                 `json:"id"`
	Message  string                 `json:"message"`
	Props    map[string]interface{} `json:"props,omitempty"`
	Children []Snapshot             `json:"children,omitempty"`
}

// NewTree creates a tree with an empty, active root node.
func NewTree() *Tree {
	t := &Tree{}
	t.root = t.newNode()
	return t
}

// Root returns the root node of the tree.
func (t *Tree) Root() *Node {
	return t.root
}

// newNode must be called with t.mu held, or before the tree is shared.
func (t *Tree) newNode() *Node {
	t.nextID++
	return &Node{
		tree:   t,
		id:     t.nextID,
		active: true,
	}
}

// ID returns the node's tree-unique identifier.
func (n *Node) ID() uint64 {
	return n.id
}

// Child allocates a new node, appends it to n's children and returns it.
func (n *Node) Child() *Node {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()

	c := n.tree.newNode()
	n.children = append(n.children, c)
	return c
}

// Update replaces the node's message.
func (n *Node) Update(format string, args ...interface{}) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.message = msg
	n.hasMessage = true
}

// Prop sets a property on the node. A nil value deletes the key.
func (n *Node) Prop(key string, value interface{}) {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()

	if value == nil {
		delete(n.props, key)
		return
	}
	if n.props == nil {
		n.props = make(map[string]interface{})
	}
	n.props[key] = value
}

// Clear removes every property from the node.
func (n *Node) Clear() {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.props = nil
}

// Trunc detaches all children of the node.
func (n *Node) Trunc() {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.children = nil
}

// Done marks the node inactive. Inactive nodes are omitted from snapshots.
func (n *Node) Done() {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	n.active = false
}

// Dump returns a snapshot of the node. Descendants that are inactive or have
// never had a message set are pruned, together with their subtrees.
func (n *Node) Dump() Snapshot {
	n.tree.mu.Lock()
	defer n.tree.mu.Unlock()
	return n.snapshot()
}

func (n *Node) snapshot() Snapshot {
	s := Snapshot{
		ID:      n.id,
		Message: n.message,
	}

	if len(n.props) > 0 {
		s.Props = make(map[string]interface{}, len(n.props))
		for k, v := range n.props {
			s.Props[k] = v
		}
	}

	for _, c := range n.children {
		if !c.active || !c.hasMessage {
			continue
		}
		s.Children = append(s.Children, c.snapshot())
	}

	return s
}

// propKeys returns the snapshot's property keys in sorted order.
func (s Snapshot) propKeys() []string {
	keys := make([]string, 0, len(s.Props))
	for k := range s.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
