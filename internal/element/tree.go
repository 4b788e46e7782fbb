package element

import (
	"io"
	"strings"
	"sync"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RootName is the name of the node created implicitly above the first
// structured leaf.
const RootName = "[ROOT]"

// Tree is the data element tree of one item. Its mutex is the item's write
// lock: it guards dirty flags and outgoing values of all leaves.
type Tree struct {
	mu     sync.Mutex
	root   Element
	source Source
	log    *logrus.Logger
}

func NewTree(source Source, log *logrus.Logger) *Tree {
	return &Tree{source: source, log: log}
}

func (t *Tree) Root() Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// SplitPath turns a dotted element path into its components.
func SplitPath(path string) []string {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// AddLeaf inserts leaf at path. An empty path makes the leaf the root, which
// is only possible on an empty tree. Intermediate nodes are created as needed.
// A node that has already mapped its children onto a value takes no new ones.
func (t *Tree) AddLeaf(leaf *Leaf, path []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(path) == 0 {
		if t.root != nil {
			return errors.Wrap(ErrPathConflict, "item already has a root element")
		}
		leaf.tree = t
		t.root = leaf
		return nil
	}

	if t.root == nil {
		t.root = NewNode(RootName, t.source, t.log)
	}
	parent, ok := t.root.(*Node)
	if !ok {
		return errors.Wrap(ErrPathConflict, "item root is a leaf")
	}

	for _, name := range path[:len(path)-1] {
		next := parent.child(name)
		if next == nil {
			n := NewNode(name, t.source, t.log)
			if err := parent.addChild(n); err != nil {
				return err
			}
			parent = n
			continue
		}
		n, ok := next.(*Node)
		if !ok {
			return errors.Wrapf(ErrPathConflict, "element %s is a leaf", name)
		}
		parent = n
	}

	last := path[len(path)-1]
	if parent.child(last) != nil {
		return errors.Wrapf(ErrPathConflict, "element %s already exists", strings.Join(path, "."))
	}
	if parent.isMapped() {
		return errors.Wrapf(ErrPathConflict, "element %s is already mapped", parent.name)
	}
	leaf.name = last
	leaf.tree = t
	return parent.addChild(leaf)
}

// NearestNode walks path and returns the deepest node on it.
func (t *Tree) NearestNode(path []string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.root.(*Node)
	if !ok {
		return nil
	}
	for _, name := range path {
		next, ok := n.child(name).(*Node)
		if !ok {
			break
		}
		n = next
	}
	return n
}

// Leaves calls fn for every leaf in the tree.
func (t *Tree) Leaves(fn func(*Leaf)) {
	if root := t.Root(); root != nil {
		root.leaves(fn)
	}
}

func (t *Tree) SetIncomingData(value ua.Variant, reason model.ProcessReason) {
	if root := t.Root(); root != nil {
		root.SetIncomingData(value, reason)
	}
}

func (t *Tree) SetIncomingEvent(reason model.ProcessReason, status ua.StatusCode) {
	if root := t.Root(); root != nil {
		root.SetIncomingEvent(reason, status)
	}
}

func (t *Tree) SetState(state model.ConnectionStatus) {
	if root := t.Root(); root != nil {
		root.SetState(state)
	}
}

// Lock and Unlock take the item write lock.
func (t *Tree) Lock()   { t.mu.Lock() }
func (t *Tree) Unlock() { t.mu.Unlock() }

// IsDirty must be called with the write lock held.
func (t *Tree) IsDirty() bool {
	return t.root != nil && t.root.IsDirty()
}

// OutgoingData must be called with the write lock held.
func (t *Tree) OutgoingData() (ua.Variant, bool, error) {
	if t.root == nil {
		return nil, false, nil
	}
	return t.root.OutgoingData()
}

func (t *Tree) Show(w io.Writer, level int, indent int) {
	if root := t.Root(); root != nil {
		root.Show(w, level, indent)
	}
}
