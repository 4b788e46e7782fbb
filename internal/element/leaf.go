package element

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/amine-amaach/opcua-bridge/internal/update"
	"github.com/awcullen/opcua/ua"
)

// Leaf is the end point of a tree that one consumer is bound to.
type Leaf struct {
	name     string
	source   Source
	consumer Consumer
	tsSource model.TimestampSource
	queue    *update.Queue[ua.Variant]
	tree     *Tree

	mu          sync.Mutex
	state       model.ConnectionStatus
	incoming    ua.Variant
	hasIncoming bool

	// guarded by tree.mu
	outgoing ua.Variant
	dirty    bool
}

func NewLeaf(
	name string,
	source Source,
	consumer Consumer,
	queueSize int,
	discardOldest bool,
	tsSource model.TimestampSource,
) *Leaf {
	return &Leaf{
		name:     name,
		source:   source,
		consumer: consumer,
		tsSource: tsSource,
		queue:    update.NewQueue[ua.Variant](queueSize, discardOldest),
	}
}

func (l *Leaf) Name() string { return l.name }
func (l *Leaf) IsLeaf() bool { return true }

func (l *Leaf) Consumer() Consumer { return l.consumer }

func (l *Leaf) Queue() *update.Queue[ua.Variant] { return l.queue }

func (l *Leaf) State() model.ConnectionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Leaf) SetState(state model.ConnectionStatus) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

// SetIncomingData queues the value when the leaf is up, or when it waits for
// its initial read and this is the read result. The last value is always
// kept as reference for consumer writes.
func (l *Leaf) SetIncomingData(value ua.Variant, reason model.ProcessReason) {
	ts := l.source.IncomingTimestamp(l.tsSource)
	status := l.source.IncomingStatus()

	l.mu.Lock()
	l.incoming = value
	l.hasIncoming = true
	accept := l.state == model.StatusUp || (l.state == model.StatusInitialRead && reason.IsRead())
	l.mu.Unlock()
	if !accept {
		return
	}
	l.push(update.NewData[ua.Variant](ts, reason, value, status))
}

// SetIncomingEvent always queues, whatever the state.
func (l *Leaf) SetIncomingEvent(reason model.ProcessReason, status ua.StatusCode) {
	ts := time.Now()
	if reason != model.ReasonConnectionLoss && l.source != nil {
		ts = l.source.IncomingTimestamp(model.TsServer)
	}
	l.push(update.NewEvent[ua.Variant](ts, reason, status))
}

func (l *Leaf) push(u *update.Update[ua.Variant]) {
	if l.queue.PushUpdate(u) && l.consumer != nil {
		l.consumer.RequestProcessing(u.Reason)
	}
}

// Pop takes the oldest queued update. next is the reason of the one behind it.
func (l *Leaf) Pop() (*update.Update[ua.Variant], model.ProcessReason) {
	return l.queue.PopUpdate()
}

// Incoming returns the last value received.
func (l *Leaf) Incoming() (ua.Variant, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.incoming, l.hasIncoming
}

// WriteValue converts v to the type of the last received value and stores it
// as outgoing value. On failure the outgoing value is left untouched.
func (l *Leaf) WriteValue(v any) error {
	ref, ok := l.Incoming()
	if !ok {
		return ErrNoValue
	}
	conv, err := ConvertLike(v, ref)
	if err != nil {
		return err
	}
	l.lock()
	l.outgoing = conv
	l.dirty = true
	l.unlock()
	return nil
}

func (l *Leaf) lock() {
	if l.tree != nil {
		l.tree.mu.Lock()
	}
}

func (l *Leaf) unlock() {
	if l.tree != nil {
		l.tree.mu.Unlock()
	}
}

func (l *Leaf) IsDirty() bool {
	return l.dirty
}

// OutgoingData returns the consumer value when dirty, else the last incoming one.
func (l *Leaf) OutgoingData() (ua.Variant, bool, error) {
	v, changed, _ := l.compose()
	l.clearDirty()
	return v, changed, nil
}

func (l *Leaf) compose() (ua.Variant, bool, error) {
	if l.dirty {
		return l.outgoing, true, nil
	}
	v, _ := l.Incoming()
	return v, false, nil
}

func (l *Leaf) clearDirty() { l.dirty = false }

func (l *Leaf) Show(w io.Writer, level int, indent int) {
	v, ok := l.Incoming()
	val := "<none>"
	if ok {
		val = fmt.Sprintf("%v", v)
	}
	fmt.Fprintf(w, "%sleaf=%s state=%s queue=%d/%d value=%s",
		strings.Repeat(" ", indent), l.name, l.State(), l.queue.Len(), l.queue.Capacity(), val)
	if l.consumer != nil {
		fmt.Fprintf(w, " consumer=%s", l.consumer.Name())
	}
	fmt.Fprintln(w)
}

func (l *Leaf) leaves(fn func(*Leaf)) { fn(l) }
