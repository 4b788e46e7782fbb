package element

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Node is an inner element. Its children are matched against the members of
// the composite value on first receipt; the mapping is dropped on connection
// loss and rebuilt from the next value.
type Node struct {
	name     string
	source   Source
	log      *logrus.Logger
	children []Element

	mu          sync.Mutex
	desc        *TypeDesc
	mapped      bool
	members     []int // child index -> member index in desc.Fields, -1 if unmatched
	timestampEl string
	timestampIx int
	incoming    ua.Variant
}

func NewNode(name string, source Source, log *logrus.Logger) *Node {
	return &Node{
		name:        name,
		source:      source,
		log:         log,
		timestampIx: -1,
	}
}

func (n *Node) Name() string { return n.name }
func (n *Node) IsLeaf() bool { return false }

func (n *Node) Children() []Element { return n.kids() }

func (n *Node) kids() []Element {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children
}

// addChild fails once the children are mapped onto a structure: the mapping
// covers exactly the children present at the first value.
func (n *Node) addChild(e Element) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mapped {
		return errors.Wrapf(ErrPathConflict, "element %s is already mapped", n.name)
	}
	n.children = append(n.children[:len(n.children):len(n.children)], e)
	return nil
}

func (n *Node) isMapped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mapped
}

func (n *Node) child(name string) Element {
	for _, c := range n.kids() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// SetTimestampElement names the DateTime member whose value becomes the
// item's data timestamp.
func (n *Node) SetTimestampElement(member string) {
	n.mu.Lock()
	n.timestampEl = member
	n.mu.Unlock()
}

func (n *Node) SetState(state model.ConnectionStatus) {
	for _, c := range n.kids() {
		c.SetState(state)
	}
}

// SetIncomingEvent forwards the event to all children. A connection loss also
// drops the member mapping.
func (n *Node) SetIncomingEvent(reason model.ProcessReason, status ua.StatusCode) {
	if reason == model.ReasonConnectionLoss {
		n.mu.Lock()
		n.mapped = false
		n.desc = nil
		n.members = nil
		n.timestampIx = -1
		n.mu.Unlock()
	}
	for _, c := range n.kids() {
		c.SetIncomingEvent(reason, status)
	}
}

func (n *Node) buildMapping(t reflect.Type) error {
	desc, err := n.source.Dictionary().Get(t)
	if err != nil {
		return err
	}
	n.desc = desc
	n.members = make([]int, len(n.children))
	for i, c := range n.children {
		ix, ok := desc.Lookup(c.Name())
		if !ok && n.log != nil {
			n.log.WithFields(logrus.Fields{
				"Item":    n.source.Name(),
				"Element": c.Name(),
				"Type":    t.String(),
			}).Warnln("element not found in structure 🔔")
		}
		n.members[i] = ix
	}
	n.timestampIx = -1
	if n.timestampEl != "" {
		ix, ok := desc.Lookup(n.timestampEl)
		if ok && desc.Fields[ix].IsDateTime() {
			n.timestampIx = ix
		} else if n.log != nil {
			n.log.WithFields(logrus.Fields{
				"Item":    n.source.Name(),
				"Element": n.timestampEl,
			}).Warnln("timestamp element not found or not a DateTime 🔔")
		}
	}
	n.mapped = true
	return nil
}

// SetIncomingData splits a composite value onto the children.
// Absent optional members and union members not selected by the
// discriminant are delivered as read failures.
func (n *Node) SetIncomingData(value ua.Variant, reason model.ProcessReason) {
	rv := reflect.ValueOf(value)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			rv = reflect.Value{}
			break
		}
		rv = rv.Elem()
	}

	n.mu.Lock()
	n.incoming = value
	children := n.children
	if !n.mapped {
		var err error
		if !rv.IsValid() {
			err = ErrNotComposite
		} else {
			err = n.buildMapping(rv.Type())
		}
		if err != nil {
			n.mu.Unlock()
			if n.log != nil {
				n.log.WithFields(logrus.Fields{
					"Item": n.source.Name(),
					"Node": n.name,
					"Err":  err,
				}).Errorln("cannot map incoming value ⛔")
			}
			for _, c := range children {
				c.SetIncomingEvent(model.ReasonReadFailure, ua.BadTypeMismatch)
			}
			return
		}
	}
	if !rv.IsValid() || rv.Type() != n.desc.Type {
		n.mu.Unlock()
		for _, c := range children {
			c.SetIncomingEvent(model.ReasonReadFailure, ua.BadTypeMismatch)
		}
		return
	}
	desc := n.desc
	members := n.members
	tsIx := n.timestampIx
	n.mu.Unlock()

	if tsIx >= 0 {
		fv := rv.Field(desc.Fields[tsIx].Index)
		if fv.Kind() == reflect.Pointer && !fv.IsNil() {
			fv = fv.Elem()
		}
		if ts, ok := fv.Interface().(time.Time); ok {
			n.source.SetDataTimestamp(ts)
		}
	}

	disc := desc.Discriminant(rv)
	for i, c := range children {
		if i >= len(members) || members[i] < 0 {
			c.SetIncomingEvent(model.ReasonReadFailure, ua.BadNoMatch)
			continue
		}
		ix := members[i]
		if desc.Kind == KindUnion && disc != ix+1 {
			c.SetIncomingEvent(model.ReasonReadFailure, ua.BadNoMatch)
			continue
		}
		fv := rv.Field(desc.Fields[ix].Index)
		if fv.Kind() == reflect.Pointer {
			if fv.IsNil() {
				c.SetIncomingEvent(model.ReasonReadFailure, ua.BadNoMatch)
				continue
			}
			if desc.Fields[ix].Optional {
				fv = fv.Elem()
			}
		}
		c.SetIncomingData(fv.Interface(), reason)
	}
}

func (n *Node) IsDirty() bool {
	for _, c := range n.kids() {
		if c.IsDirty() {
			return true
		}
	}
	return false
}

// OutgoingData rebuilds the composite from the last incoming value and the
// dirty children. Untouched members keep their incoming values. If any dirty
// child cannot be converted to its member type nothing is written and the
// dirty flags stay set.
func (n *Node) OutgoingData() (ua.Variant, bool, error) {
	v, changed, err := n.compose()
	if err != nil {
		if n.log != nil {
			n.log.WithFields(logrus.Fields{
				"Item": n.source.Name(),
				"Node": n.name,
				"Err":  err,
			}).Errorln("cannot set structure member ⛔")
		}
		return v, false, err
	}
	n.clearDirty()
	return v, changed, nil
}

func (n *Node) compose() (ua.Variant, bool, error) {
	n.mu.Lock()
	incoming := n.incoming
	desc := n.desc
	members := n.members
	children := n.children
	n.mu.Unlock()

	src := reflect.ValueOf(incoming)
	isPtr := false
	if src.IsValid() && src.Kind() == reflect.Pointer && !src.IsNil() {
		src = src.Elem()
		isPtr = true
	}
	if desc == nil || !src.IsValid() || src.Type() != desc.Type {
		return incoming, false, nil
	}

	out := reflect.New(desc.Type).Elem()
	out.Set(src)

	changed := false
	for i, c := range children {
		if !c.IsDirty() || i >= len(members) || members[i] < 0 {
			continue
		}
		ix := members[i]
		v, _, err := c.compose()
		if err != nil {
			return incoming, false, err
		}
		fd := desc.Fields[ix]
		target := fd.Type
		if target.Kind() == reflect.Pointer {
			target = target.Elem()
		}
		conv, err := convertValue(reflect.ValueOf(v), target)
		if err != nil {
			return incoming, false, errors.Wrapf(err, "element %s", c.Name())
		}
		fv := out.Field(fd.Index)
		switch {
		case fd.Type.Kind() == reflect.Pointer:
			p := reflect.New(target)
			p.Elem().Set(conv)
			fv.Set(p)
		case fd.Type.Kind() == reflect.Slice:
			fresh := reflect.MakeSlice(fd.Type, conv.Len(), conv.Len())
			reflect.Copy(fresh, conv)
			fv.Set(fresh)
		default:
			fv.Set(conv)
		}
		if desc.Kind == KindUnion {
			desc.setDiscriminant(out, ix+1)
		}
		changed = true
	}

	if isPtr {
		return out.Addr().Interface(), changed, nil
	}
	return out.Interface(), changed, nil
}

func (n *Node) clearDirty() {
	for _, c := range n.kids() {
		c.clearDirty()
	}
}

func (n *Node) Show(w io.Writer, level int, indent int) {
	n.mu.Lock()
	kind := "unmapped"
	if n.desc != nil {
		kind = n.desc.Kind.String()
	}
	children := n.children
	n.mu.Unlock()
	fmt.Fprintf(w, "%snode=%s children=%d type=%s\n", strings.Repeat(" ", indent), n.name, len(children), kind)
	if level > 0 {
		for _, c := range children {
			c.Show(w, level, indent+2)
		}
	}
}

func (n *Node) leaves(fn func(*Leaf)) {
	for _, c := range n.kids() {
		c.leaves(fn)
	}
}
