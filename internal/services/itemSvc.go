package services

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/batcher"
	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/element"
	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ItemSvc is one node on the server, either monitored through a
// subscription or polled through its session. It is the source of its
// element tree.
type ItemSvc struct {
	name             string
	session          *SessionSvc
	subscription     *SubscriptionSvc
	nodeID           ua.NodeID
	register         bool
	monitor          bool
	samplingInterval float64
	queueSize        uint32
	discardOldest    bool
	initial          model.InitialValue
	tree             *element.Tree
	log              *logrus.Logger

	mu           sync.Mutex
	bindings     []*BindingSvc
	registeredID ua.NodeID
	monitoredID  uint32
	revisedQueue uint32
	state        model.ConnectionStatus
	status       ua.StatusCode
	clientTs     time.Time
	serverTs     time.Time
	sourceTs     time.Time
	dataTs       time.Time

	writeQueued atomic.Bool
}

// NewItemSvc creates an item on session, or on sub when it is not nil. Unset
// link options are taken from defaults.
func NewItemSvc(
	cfg component.Item,
	session *SessionSvc,
	sub *SubscriptionSvc,
	defaults component.Defaults,
	log *logrus.Logger,
) (*ItemSvc, error) {
	if strings.TrimSpace(cfg.Identifier) == "" {
		return nil, errors.Wrapf(ErrInvalidOption, "item %s: empty identifier", cfg.Name)
	}
	initial, err := model.ParseInitialValue(cfg.InitialValue)
	if err != nil {
		return nil, errors.Wrapf(err, "item %s", cfg.Name)
	}
	it := &ItemSvc{
		name:             cfg.Name,
		session:          session,
		subscription:     sub,
		nodeID:           ParseNodeID(cfg.Namespace, cfg.Identifier),
		register:         cfg.Register,
		monitor:          sub != nil,
		samplingInterval: defaults.SamplingInterval,
		queueSize:        defaults.QueueSize,
		discardOldest:    defaults.DiscardOldest,
		initial:          initial,
		log:              log,
		status:           ua.BadWaitingForInitialData,
	}
	if cfg.SamplingInterval != nil {
		it.samplingInterval = *cfg.SamplingInterval
	}
	if cfg.QueueSize != nil {
		it.queueSize = *cfg.QueueSize
	}
	if cfg.DiscardOldest != nil {
		it.discardOldest = *cfg.DiscardOldest
	}
	if cfg.Monitor != nil {
		it.monitor = sub != nil && *cfg.Monitor
	}
	it.tree = element.NewTree(it, log)
	return it, nil
}

// ParseNodeID builds a node id from a namespace index and an identifier.
// "i=<n>" and bare numbers are numeric, "s=<text>" and anything else is a
// string identifier.
func ParseNodeID(ns uint16, identifier string) ua.NodeID {
	id := strings.TrimSpace(identifier)
	switch {
	case strings.HasPrefix(id, "i="):
		if n, err := strconv.ParseUint(id[2:], 10, 32); err == nil {
			return ua.NewNodeIDNumeric(ns, uint32(n))
		}
	case strings.HasPrefix(id, "s="):
		return ua.NewNodeIDString(ns, id[2:])
	default:
		if n, err := strconv.ParseUint(id, 10, 32); err == nil {
			return ua.NewNodeIDNumeric(ns, uint32(n))
		}
	}
	return ua.NewNodeIDString(ns, id)
}

func (it *ItemSvc) Name() string                    { return it.name }
func (it *ItemSvc) Session() *SessionSvc            { return it.session }
func (it *ItemSvc) Subscription() *SubscriptionSvc  { return it.subscription }
func (it *ItemSvc) Tree() *element.Tree             { return it.tree }
func (it *ItemSvc) Dictionary() *element.Dictionary { return it.session.Dictionary() }

// NodeID returns the registered node id when registration succeeded.
func (it *ItemSvc) NodeID() ua.NodeID {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.registeredID != nil {
		return it.registeredID
	}
	return it.nodeID
}

func (it *ItemSvc) IsRegistered() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.registeredID != nil
}

func (it *ItemSvc) IsMonitored() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.monitoredID != 0
}

func (it *ItemSvc) State() model.ConnectionStatus {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

func (it *ItemSvc) Bindings() []*BindingSvc {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]*BindingSvc(nil), it.bindings...)
}

func (it *ItemSvc) addBinding(b *BindingSvc) {
	it.mu.Lock()
	it.bindings = append(it.bindings, b)
	it.mu.Unlock()
}

func (it *ItemSvc) setRegistered(id ua.NodeID) {
	it.mu.Lock()
	it.registeredID = id
	it.mu.Unlock()
}

func (it *ItemSvc) setMonitored(id uint32, revisedQueue uint32) {
	it.mu.Lock()
	it.monitoredID = id
	it.revisedQueue = revisedQueue
	it.mu.Unlock()
}

func (it *ItemSvc) monitorRequest(handle uint32, publishingInterval float64) ua.MonitoredItemCreateRequest {
	sampling := it.samplingInterval
	if sampling < 0 {
		sampling = publishingInterval
	}
	return ua.MonitoredItemCreateRequest{
		ItemToMonitor: ua.ReadValueID{
			NodeID:      it.NodeID(),
			AttributeID: ua.AttributeIDValue,
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: sampling,
			QueueSize:        it.queueSize,
			DiscardOldest:    it.discardOldest,
		},
	}
}

// IncomingTimestamp selects one of the timestamps of the last value.
// Server and source times fall back to the client time when the value was
// bad or carried none.
func (it *ItemSvc) IncomingTimestamp(sel model.TimestampSource) time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	var ts time.Time
	switch sel {
	case model.TsSource:
		ts = it.sourceTs
	case model.TsData:
		ts = it.dataTs
		if ts.IsZero() {
			ts = it.serverTs
		}
	default:
		ts = it.serverTs
	}
	if ts.IsZero() || it.status.IsBad() {
		return it.clientTs
	}
	return ts
}

func (it *ItemSvc) IncomingStatus() ua.StatusCode {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

func (it *ItemSvc) SetDataTimestamp(ts time.Time) {
	it.mu.Lock()
	it.dataTs = ts
	it.mu.Unlock()
}

func (it *ItemSvc) setIncoming(dv ua.DataValue, reason model.ProcessReason) {
	it.mu.Lock()
	it.clientTs = time.Now()
	it.serverTs = dv.ServerTimestamp
	it.sourceTs = dv.SourceTimestamp
	it.dataTs = time.Time{}
	it.status = dv.StatusCode
	it.mu.Unlock()

	if dv.Value == nil {
		if reason == model.ReasonReadComplete && dv.StatusCode.IsBad() {
			reason = model.ReasonReadFailure
		}
		it.tree.SetIncomingEvent(reason, dv.StatusCode)
		return
	}
	it.tree.SetIncomingData(dv.Value, reason)
}

// DataChange receives a value from the subscription.
func (it *ItemSvc) DataChange(dv ua.DataValue) {
	it.setIncoming(dv, model.ReasonIncomingData)
}

func (it *ItemSvc) ReadComplete(dv ua.DataValue) {
	it.setIncoming(dv, model.ReasonReadComplete)
	it.afterRead(dv.StatusCode.IsGood() && dv.Value != nil)
}

func (it *ItemSvc) ReadFailure(status ua.StatusCode) {
	it.mu.Lock()
	it.clientTs = time.Now()
	it.status = status
	it.mu.Unlock()
	it.tree.SetIncomingEvent(model.ReasonReadFailure, status)
	it.afterRead(false)
}

// afterRead ends the initial read. With the write policy a good read is
// followed by writing the bindings' initial values.
func (it *ItemSvc) afterRead(good bool) {
	it.mu.Lock()
	if it.state != model.StatusInitialRead {
		it.mu.Unlock()
		return
	}
	next := model.StatusUp
	if good && it.initial == model.InitialWrite {
		next = model.StatusInitialWrite
	}
	it.state = next
	bindings := append([]*BindingSvc(nil), it.bindings...)
	it.mu.Unlock()

	it.tree.SetState(next)
	if next != model.StatusInitialWrite {
		return
	}
	for _, b := range bindings {
		b.ApplyInitialOutput()
	}
	if err := it.RequestWrite(batcher.PriorityHigh); err != nil {
		it.setUp()
	}
}

func (it *ItemSvc) WriteComplete(status ua.StatusCode) {
	it.tree.SetIncomingEvent(model.ReasonWriteComplete, status)
	it.afterWrite()
}

func (it *ItemSvc) WriteFailure(status ua.StatusCode) {
	it.log.WithFields(logrus.Fields{
		"Item":   it.name,
		"Status": statusText(status),
	}).Warnln("Write failed 🔔")
	it.tree.SetIncomingEvent(model.ReasonWriteFailure, status)
	it.afterWrite()
}

func (it *ItemSvc) afterWrite() {
	it.mu.Lock()
	initial := it.state == model.StatusInitialWrite
	it.mu.Unlock()
	if initial {
		it.setUp()
	}
}

func (it *ItemSvc) setUp() {
	it.mu.Lock()
	it.state = model.StatusUp
	it.mu.Unlock()
	it.tree.SetState(model.StatusUp)
}

// onConnect prepares the item after (re)connect. It reports whether an
// initial read is due.
func (it *ItemSvc) onConnect() bool {
	next := model.StatusInitialRead
	if it.initial == model.InitialIgnore {
		next = model.StatusUp
	}
	it.mu.Lock()
	it.state = next
	it.mu.Unlock()
	it.tree.SetState(next)
	return next == model.StatusInitialRead
}

// ConnectionLoss queues one connection loss update on every leaf.
func (it *ItemSvc) ConnectionLoss() {
	it.mu.Lock()
	it.clientTs = time.Now()
	it.status = ua.BadSecureChannelClosed
	it.state = model.StatusDown
	it.monitoredID = 0
	it.revisedQueue = 0
	it.registeredID = nil
	it.mu.Unlock()
	it.writeQueued.Store(false)
	it.tree.SetIncomingEvent(model.ReasonConnectionLoss, ua.BadSecureChannelClosed)
	it.tree.SetState(model.StatusDown)
}

func (it *ItemSvc) RequestRead(prio batcher.Priority) error {
	return it.session.requestRead(newReadOp(it), prio)
}

// RequestWrite queues a write of the tree's outgoing value. A write already
// waiting in the batcher picks up later changes, so no second one is queued.
func (it *ItemSvc) RequestWrite(prio batcher.Priority) error {
	if !it.writeQueued.CompareAndSwap(false, true) {
		return nil
	}
	if err := it.session.requestWrite(newWriteOp(it), prio); err != nil {
		it.writeQueued.Store(false)
		return err
	}
	return nil
}

// RequestWriteIfDirty requests a write when any leaf holds a consumer value.
func (it *ItemSvc) RequestWriteIfDirty() error {
	it.tree.Lock()
	dirty := it.tree.IsDirty()
	it.tree.Unlock()
	if !dirty {
		return nil
	}
	return it.RequestWrite(batcher.PriorityMedium)
}

// outgoingValue returns the value to write, or the status to fail the write
// with when there is none.
func (it *ItemSvc) outgoingValue() (ua.Variant, ua.StatusCode) {
	it.writeQueued.Store(false)
	it.tree.Lock()
	v, _, err := it.tree.OutgoingData()
	it.tree.Unlock()
	switch {
	case err != nil:
		return nil, ua.BadTypeMismatch
	case v == nil:
		return nil, ua.BadWaitingForInitialData
	}
	return v, ua.Good
}

func (it *ItemSvc) writeDropped() {
	it.writeQueued.Store(false)
}

func (it *ItemSvc) Show(w io.Writer, level int, indent int) {
	it.mu.Lock()
	pad := strings.Repeat(" ", indent)
	fmt.Fprintf(w, "%sitem=%s node=%v state=%s status=%s", pad, it.name, it.nodeID, it.state, statusText(it.status))
	if it.registeredID != nil {
		fmt.Fprintf(w, " registered=%v", it.registeredID)
	}
	if it.monitoredID != 0 {
		fmt.Fprintf(w, " monitored=%d queue=%d", it.monitoredID, it.revisedQueue)
	}
	fmt.Fprintf(w, " initial=%s bindings=%d\n", it.initial, len(it.bindings))
	it.mu.Unlock()
	if level >= 2 {
		it.tree.Show(w, level, indent+2)
	}
}
