package services

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/batcher"
	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/element"
	"github.com/amine-amaach/opcua-bridge/internal/metrics"
	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotConnected   = errors.New("session not connected")
	ErrSessionClosed  = errors.New("session closed")
	ErrInvalidURL     = errors.New("invalid endpoint url")
)

const (
	defaultHoldoffMin = 10 * time.Millisecond
	defaultHoldoffMax = 100 * time.Millisecond
)

// Events posted to the session loop. Everything that runs on a dial, service
// call, publish or keep-alive goroutine reports back through one of these.
type (
	evConnectResult struct {
		epoch uint64
		conn  ports.UaConnPort
		err   error
	}
	evReconnect      struct{ epoch uint64 }
	evConnectionLost struct {
		epoch uint64
		err   error
	}
	evDegraded struct {
		epoch uint64
		err   error
	}
	evHealthy struct{ epoch uint64 }
	evPublish struct {
		epoch uint64
		res   *ua.PublishResponse
	}
	evReadDone struct {
		txID uint32
		res  *ua.ReadResponse
		err  error
	}
	evWriteDone struct {
		txID uint32
		res  *ua.WriteResponse
		err  error
	}
	evDisconnect struct{ done chan struct{} }
	// A subscription or item configured while the session is up.
	evAttach struct {
		sub  *SubscriptionSvc
		item *ItemSvc
	}
)

// SessionSvc owns one connection to an OPC UA server. Its state machine runs
// on a single loop goroutine fed by the events above.
type SessionSvc struct {
	name     string
	url      string
	dialOpts ports.DialOptions
	dialer   ports.UaDialerPort
	defaults component.Defaults
	log      *logrus.Logger
	metrics  *metrics.Metrics
	dict     *element.Dictionary

	mu            sync.Mutex
	state         model.SessionState
	conn          ports.UaConnPort
	connCtx       context.Context
	connCancel    context.CancelFunc
	epoch         uint64
	wanted        bool
	closing       bool
	closed        bool
	autoConnect   bool
	debug         int
	nodesMax      int
	readNodesMax  int
	writeNodesMax int
	readMin       time.Duration
	readMax       time.Duration
	writeMin      time.Duration
	writeMax      time.Duration
	subscriptions []*SubscriptionSvc
	items         []*ItemSvc
	reconnect     *time.Timer

	reader      *batcher.Batcher[*PendingOp]
	writer      *batcher.Batcher[*PendingOp]
	outstanding *batcher.Outstanding[*PendingOp]
	txID        atomic.Uint32
	inflight    sync.WaitGroup

	events    chan any
	done      chan struct{}
	closeOnce sync.Once
}

func NewSessionSvc(
	name string,
	endpointURL string,
	dialOpts ports.DialOptions,
	dialer ports.UaDialerPort,
	defaults component.Defaults,
	log *logrus.Logger,
	m *metrics.Metrics,
) (*SessionSvc, error) {
	if err := validateURL(endpointURL); err != nil {
		return nil, err
	}
	s := &SessionSvc{
		name:        name,
		url:         endpointURL,
		dialOpts:    dialOpts,
		dialer:      dialer,
		defaults:    defaults,
		log:         log,
		metrics:     m,
		dict:        element.NewDictionary(),
		autoConnect: true,
		nodesMax:    defaults.MaxOperationsPerCall,
		readMin:     defaultHoldoffMin,
		readMax:     defaultHoldoffMax,
		writeMin:    defaultHoldoffMin,
		writeMax:    defaultHoldoffMax,
		outstanding: batcher.NewOutstanding[*PendingOp](),
		events:      make(chan any, 64),
		done:        make(chan struct{}),
	}
	s.reader = batcher.New[*PendingOp](name+"/read", batcher.ConsumerFunc[*PendingOp](s.processReads),
		s.nodesMax, s.readMin, s.readMax, log)
	s.writer = batcher.New[*PendingOp](name+"/write", batcher.ConsumerFunc[*PendingOp](s.processWrites),
		s.nodesMax, s.writeMin, s.writeMax, log)
	s.metrics.SessionState(name, int(model.SessionDisconnected))
	go s.loop()
	return s, nil
}

func validateURL(endpointURL string) error {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return errors.Wrap(ErrInvalidURL, err.Error())
	}
	if u.Scheme != "opc.tcp" || u.Host == "" {
		return errors.Wrapf(ErrInvalidURL, "%s: expected opc.tcp://host:port", endpointURL)
	}
	return nil
}

func (s *SessionSvc) Name() string { return s.name }
func (s *SessionSvc) URL() string  { return s.url }

func (s *SessionSvc) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SessionSvc) AutoConnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoConnect
}

func (s *SessionSvc) SetDebug(level int) {
	s.mu.Lock()
	s.debug = level
	s.mu.Unlock()
}

func (s *SessionSvc) Items() []*ItemSvc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ItemSvc(nil), s.items...)
}

func (s *SessionSvc) Subscriptions() []*SubscriptionSvc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SubscriptionSvc(nil), s.subscriptions...)
}

func (s *SessionSvc) Dictionary() *element.Dictionary { return s.dict }

func (s *SessionSvc) addSubscription(sub *SubscriptionSvc) {
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, sub)
	up := s.state != model.SessionDisconnected
	s.mu.Unlock()
	if up {
		s.post(evAttach{sub: sub})
	}
}

func (s *SessionSvc) addItem(it *ItemSvc) {
	s.mu.Lock()
	s.items = append(s.items, it)
	up := s.state != model.SessionDisconnected
	s.mu.Unlock()
	if up {
		s.post(evAttach{item: it})
	}
}

func (s *SessionSvc) debugf(level int, format string, args ...any) {
	s.mu.Lock()
	enabled := s.debug >= level
	s.mu.Unlock()
	if enabled {
		s.log.WithField("Session", s.name).Debugf(format, args...)
	}
}

// ApplyOptions sets every option of a "key=value:key=value" list.
func (s *SessionSvc) ApplyOptions(opts string) error {
	parsed, err := parseOptions(opts)
	if err != nil {
		return err
	}
	for _, o := range parsed {
		if err := s.SetOption(o.key, o.value); err != nil {
			return err
		}
	}
	return nil
}

// SetOption changes one session option. Unknown options are logged and ignored.
func (s *SessionSvc) SetOption(key, value string) error {
	var err error
	s.mu.Lock()
	switch key {
	case "debug":
		err = store(&s.debug)(parseCount(key, value))
	case "autoconnect":
		err = store(&s.autoConnect)(parseFlag(key, value))
	case "batch-nodes":
		s.log.WithField("Session", s.name).Warnln("Option batch-nodes is deprecated, use nodes-max 🔔")
		err = store(&s.nodesMax)(parseCount(key, value))
	case "nodes-max":
		err = store(&s.nodesMax)(parseCount(key, value))
	case "read-nodes-max":
		err = store(&s.readNodesMax)(parseCount(key, value))
	case "write-nodes-max":
		err = store(&s.writeNodesMax)(parseCount(key, value))
	case "read-timeout-min":
		err = store(&s.readMin)(parseMillis(key, value))
	case "read-timeout-max":
		err = store(&s.readMax)(parseMillis(key, value))
	case "write-timeout-min":
		err = store(&s.writeMin)(parseMillis(key, value))
	case "write-timeout-max":
		err = store(&s.writeMax)(parseMillis(key, value))
	case "sec-mode", "sec-policy", "sec-level-min", "ident-file":
		s.log.WithFields(logrus.Fields{"Session": s.name, "Option": key}).Warnln("Option not implemented, ignored 🔔")
	default:
		s.log.WithFields(logrus.Fields{"Session": s.name, "Option": key}).Warnln("Unknown option, ignored 🔔")
	}
	readMax, writeMax := effectiveMax(s.nodesMax, s.readNodesMax), effectiveMax(s.nodesMax, s.writeNodesMax)
	readMin, readHold, writeMin, writeHold := s.readMin, s.readMax, s.writeMin, s.writeMax
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.reader.SetParams(readMax, readMin, readHold)
	s.writer.SetParams(writeMax, writeMin, writeHold)
	return nil
}

// effectiveMax combines the session wide and the per direction batch limit.
func effectiveMax(all, dir int) int {
	if all > 0 && dir > 0 {
		return min(all, dir)
	}
	return all + dir
}

// Connect starts connecting in the background. It does nothing when the
// session is already connecting or connected.
func (s *SessionSvc) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Wrap(ErrSessionClosed, s.name)
	}
	s.wanted = true
	if s.state != model.SessionDisconnected {
		s.mu.Unlock()
		return nil
	}
	ep := s.beginDialLocked()
	s.mu.Unlock()
	go s.dial(ep)
	return nil
}

// Disconnect drops queued operations, waits for running service calls,
// deletes the subscriptions on the server and closes the connection. The
// session always ends up disconnected.
func (s *SessionSvc) Disconnect() {
	s.mu.Lock()
	s.wanted = false
	s.closing = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	s.mu.Unlock()

	s.reader.Clear()
	s.writer.Clear()
	s.inflight.Wait()

	done := make(chan struct{})
	if s.post(evDisconnect{done: done}) {
		<-done
	}
}

// Close disconnects and stops the session goroutines for good.
func (s *SessionSvc) Close() {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.reader.Stop()
	s.writer.Stop()
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *SessionSvc) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *SessionSvc) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			switch e := ev.(type) {
			case evConnectResult:
				s.onConnectResult(e)
			case evReconnect:
				s.onReconnect(e)
			case evConnectionLost:
				s.onConnectionLost(e)
			case evDegraded:
				s.onDegraded(e)
			case evHealthy:
				s.onHealthy(e.epoch)
			case evPublish:
				s.onPublish(e)
			case evReadDone:
				s.onReadDone(e)
			case evWriteDone:
				s.onWriteDone(e)
			case evDisconnect:
				s.onDisconnect(e)
			case evAttach:
				s.onAttach(e)
			}
		}
	}
}

func (s *SessionSvc) setStateLocked(state model.SessionState) {
	if s.state == state {
		return
	}
	s.log.WithFields(logrus.Fields{
		"Session": s.name,
		"From":    s.state,
		"To":      state,
	}).Infoln("Session state changed 🔔")
	s.state = state
	s.metrics.SessionState(s.name, int(state))
}

func (s *SessionSvc) beginDialLocked() uint64 {
	s.epoch++
	s.setStateLocked(model.SessionConnecting)
	return s.epoch
}

func (s *SessionSvc) dial(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.defaults.ConnectTimeout)
	defer cancel()
	s.log.WithFields(logrus.Fields{"Session": s.name, "URL": s.url}).Debugln("Connecting.. 🔔")
	conn, err := s.dialer.Dial(ctx, s.url, s.dialOpts)
	if !s.post(evConnectResult{epoch: epoch, conn: conn, err: err}) && conn != nil {
		s.closeConn(conn)
	}
}

func (s *SessionSvc) closeConn(conn ports.UaConnPort) {
	ctx, cancel := context.WithTimeout(context.Background(), s.defaults.ConnectTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		s.log.WithFields(logrus.Fields{"Session": s.name, "Err": err}).Debugln("Close failed 🔔")
	}
}

func (s *SessionSvc) onConnectResult(ev evConnectResult) {
	s.mu.Lock()
	stale := ev.epoch != s.epoch || s.state != model.SessionConnecting || !s.wanted
	if !stale && ev.err == nil {
		s.conn = ev.conn
	}
	s.mu.Unlock()

	if stale {
		if ev.conn != nil {
			s.closeConn(ev.conn)
		}
		return
	}
	if ev.err != nil {
		s.log.WithFields(logrus.Fields{
			"Session": s.name,
			"Err":     ev.err,
		}).Warnln("Connect failed, retrying 🔔")
		s.scheduleReconnect()
		return
	}
	s.established()
}

func (s *SessionSvc) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wanted || s.closed {
		s.setStateLocked(model.SessionDisconnected)
		return
	}
	s.setStateLocked(model.SessionConnecting)
	ep := s.epoch
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	s.reconnect = time.AfterFunc(s.defaults.ConnectTimeout, func() {
		s.post(evReconnect{epoch: ep})
	})
}

func (s *SessionSvc) onReconnect(ev evReconnect) {
	s.mu.Lock()
	if ev.epoch != s.epoch || s.state != model.SessionConnecting || !s.wanted {
		s.mu.Unlock()
		return
	}
	ep := s.beginDialLocked()
	s.mu.Unlock()
	go s.dial(ep)
}

// redial connects again right away after a loss, if the session is wanted.
func (s *SessionSvc) redial() {
	s.mu.Lock()
	if !s.wanted || s.closed {
		s.setStateLocked(model.SessionDisconnected)
		s.mu.Unlock()
		return
	}
	ep := s.beginDialLocked()
	s.mu.Unlock()
	go s.dial(ep)
}

// established re-registers nodes, re-creates the subscriptions with their
// monitored items, and then queues the initial reads.
func (s *SessionSvc) established() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	conn := s.conn
	ep := s.epoch
	s.connCtx, s.connCancel = ctx, cancel
	subs := append([]*SubscriptionSvc(nil), s.subscriptions...)
	items := append([]*ItemSvc(nil), s.items...)
	s.mu.Unlock()

	s.registerNodes(ctx, conn, items)
	for _, sub := range subs {
		if err := sub.Create(ctx, conn); err != nil {
			s.log.WithFields(logrus.Fields{
				"Subscription": sub.Name(),
				"Err":          err,
			}).Errorln("Create subscription failed ⛔")
			continue
		}
		sub.AddMonitoredItems(ctx, conn)
	}

	s.mu.Lock()
	s.setStateLocked(model.SessionConnected)
	s.mu.Unlock()

	go s.publishLoop(ctx, conn, ep)
	go s.keepAlive(ctx, conn, ep)

	var reads []*PendingOp
	for _, it := range items {
		if it.onConnect() {
			reads = append(reads, newReadOp(it))
		}
	}
	if len(reads) > 0 {
		s.reader.PushRequests(reads, batcher.PriorityHigh)
	}
	s.log.WithFields(logrus.Fields{
		"Session":       s.name,
		"Subscriptions": len(subs),
		"Items":         len(items),
	}).Infoln("Session established ✅")
}

// onAttach brings a subscription or item added at runtime onto the server.
// Anything already handled by established is skipped.
func (s *SessionSvc) onAttach(ev evAttach) {
	s.mu.Lock()
	conn, ctx := s.conn, s.connCtx
	up := s.state.IsEstablished() && conn != nil
	s.mu.Unlock()
	if !up {
		return
	}
	if sub := ev.sub; sub != nil {
		if _, created := sub.ServerID(); created {
			return
		}
		if err := sub.Create(ctx, conn); err != nil {
			s.log.WithFields(logrus.Fields{
				"Subscription": sub.Name(),
				"Err":          err,
			}).Errorln("Create subscription failed ⛔")
			return
		}
		sub.AddMonitoredItems(ctx, conn)
		return
	}
	it := ev.item
	if it == nil || it.State() != model.StatusDown {
		return
	}
	if it.register {
		s.registerNodes(ctx, conn, []*ItemSvc{it})
	}
	if sub := it.subscription; sub != nil {
		if _, created := sub.ServerID(); created {
			sub.addMonitored(ctx, conn, it)
		}
	}
	if it.onConnect() {
		s.reader.PushRequest(newReadOp(it), batcher.PriorityHigh)
	}
}

func (s *SessionSvc) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.defaults.ConnectTimeout)
}

func (s *SessionSvc) registerNodes(ctx context.Context, conn ports.UaConnPort, items []*ItemSvc) {
	var regs []*ItemSvc
	var ids []ua.NodeID
	for _, it := range items {
		if it.register {
			regs = append(regs, it)
			ids = append(ids, it.nodeID)
		}
	}
	if len(regs) == 0 {
		return
	}
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	res, err := conn.RegisterNodes(cctx, &ua.RegisterNodesRequest{NodesToRegister: ids})
	if err == nil && res.ResponseHeader.ServiceResult.IsBad() {
		err = res.ResponseHeader.ServiceResult
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"Session": s.name, "Err": err}).Warnln("Register nodes failed, using plain node ids 🔔")
		return
	}
	for i, it := range regs {
		if i < len(res.RegisteredNodeIDs) {
			it.setRegistered(res.RegisteredNodeIDs[i])
		}
	}
	s.debugf(1, "Registered %d nodes", len(regs))
}

func (s *SessionSvc) publishLoop(ctx context.Context, conn ports.UaConnPort, epoch uint64) {
	var acks []ua.SubscriptionAcknowledgement
	hint := uint32(2 * s.defaults.ConnectTimeout / time.Millisecond)
	for ctx.Err() == nil {
		res, err := conn.Publish(ctx, &ua.PublishRequest{
			RequestHeader:                ua.RequestHeader{TimeoutHint: hint},
			SubscriptionAcknowledgements: acks,
		})
		acks = nil
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch {
			case statusOf(err) == ua.BadNoSubscription:
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.defaults.ConnectTimeout):
				}
			case isTimeout(err):
				s.post(evDegraded{epoch: epoch, err: err})
			default:
				s.post(evConnectionLost{epoch: epoch, err: errors.Wrap(err, "publish")})
				return
			}
			continue
		}
		if len(res.NotificationMessage.NotificationData) > 0 {
			acks = append(acks, ua.SubscriptionAcknowledgement{
				SubscriptionID: res.SubscriptionID,
				SequenceNumber: res.NotificationMessage.SequenceNumber,
			})
		}
		if !s.post(evPublish{epoch: epoch, res: res}) {
			return
		}
	}
}

// keepAlive reads the server state every connect timeout.
func (s *SessionSvc) keepAlive(ctx context.Context, conn ports.UaConnPort, epoch uint64) {
	t := time.NewTicker(s.defaults.ConnectTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		cctx, cancel := s.callContext(ctx)
		_, err := conn.Read(cctx, &ua.ReadRequest{
			NodesToRead: []ua.ReadValueID{{
				NodeID:      ua.VariableIDServerServerStatusState,
				AttributeID: ua.AttributeIDValue,
			}},
		})
		cancel()
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			s.post(evHealthy{epoch: epoch})
		case isTimeout(err):
			s.post(evDegraded{epoch: epoch, err: err})
		default:
			s.post(evConnectionLost{epoch: epoch, err: errors.Wrap(err, "keep-alive")})
			return
		}
	}
}

func (s *SessionSvc) onDegraded(ev evDegraded) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.epoch == s.epoch && s.state == model.SessionConnected {
		s.log.WithFields(logrus.Fields{"Session": s.name, "Err": ev.err}).Warnln("Server not responding 🔔")
		s.setStateLocked(model.SessionDegraded)
	}
}

func (s *SessionSvc) onHealthy(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch && s.state == model.SessionDegraded {
		s.setStateLocked(model.SessionConnected)
	}
}

func (s *SessionSvc) onPublish(ev evPublish) {
	s.onHealthy(ev.epoch)
	s.mu.Lock()
	stale := ev.epoch != s.epoch
	var sub *SubscriptionSvc
	for _, candidate := range s.subscriptions {
		if id, ok := candidate.ServerID(); ok && id == ev.res.SubscriptionID {
			sub = candidate
			break
		}
	}
	s.mu.Unlock()
	if stale {
		return
	}
	if sub == nil {
		if len(ev.res.NotificationMessage.NotificationData) > 0 {
			s.debugf(1, "Notification for unknown subscription %d", ev.res.SubscriptionID)
		}
		return
	}
	sub.notify(ev.res.NotificationMessage)
}

func (s *SessionSvc) onConnectionLost(ev evConnectionLost) {
	s.mu.Lock()
	stale := ev.epoch != s.epoch || !s.state.IsEstablished()
	s.mu.Unlock()
	if stale {
		return
	}
	s.log.WithFields(logrus.Fields{"Session": s.name, "Err": ev.err}).Errorln("Connection lost ⛔")
	s.metrics.Reconnect(s.name)
	s.markConnectionLoss(true, model.SessionConnecting)
	s.redial()
}

// markConnectionLoss drops everything tied to the current connection and
// moves the session to next before the batchers are cleared, so no request
// is accepted in between. Pending and outstanding operations are discarded
// without completion.
func (s *SessionSvc) markConnectionLoss(wasEstablished bool, next model.SessionState) {
	s.mu.Lock()
	s.setStateLocked(next)
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.epoch++
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	subs := append([]*SubscriptionSvc(nil), s.subscriptions...)
	items := append([]*ItemSvc(nil), s.items...)
	s.mu.Unlock()

	s.reader.Clear()
	s.writer.Clear()
	dropped := s.outstanding.Clear()
	s.metrics.Outstanding(s.name, 0)
	if wasEstablished {
		for _, it := range items {
			it.ConnectionLoss()
		}
	}
	for _, sub := range subs {
		sub.Clear()
	}
	s.dict.Clear()
	if conn != nil {
		s.closeConn(conn)
	}
	s.debugf(1, "Connection dropped, %d outstanding transactions discarded", dropped)
}

func (s *SessionSvc) onDisconnect(ev evDisconnect) {
	s.mu.Lock()
	conn := s.conn
	established := s.state.IsEstablished()
	subs := append([]*SubscriptionSvc(nil), s.subscriptions...)
	s.mu.Unlock()

	if established && conn != nil {
		s.deleteSubscriptions(conn, subs)
	}
	s.markConnectionLoss(established, model.SessionDisconnected)

	s.mu.Lock()
	s.setStateLocked(model.SessionDisconnected)
	s.closing = false
	s.mu.Unlock()
	close(ev.done)
	s.log.WithField("Session", s.name).Infoln("Session disconnected ✅")
}

func (s *SessionSvc) deleteSubscriptions(conn ports.UaConnPort, subs []*SubscriptionSvc) {
	var ids []uint32
	for _, sub := range subs {
		if id, ok := sub.ServerID(); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	ctx, cancel := s.callContext(context.Background())
	defer cancel()
	if _, err := conn.DeleteSubscriptions(ctx, &ua.DeleteSubscriptionsRequest{SubscriptionIDs: ids}); err != nil {
		s.log.WithFields(logrus.Fields{"Session": s.name, "Err": err}).Warnln("Delete subscriptions failed 🔔")
	}
}

func (s *SessionSvc) requestRead(op *PendingOp, prio batcher.Priority) error {
	if err := s.acceptsRequests(); err != nil {
		return err
	}
	s.reader.PushRequest(op, prio)
	return nil
}

func (s *SessionSvc) requestWrite(op *PendingOp, prio batcher.Priority) error {
	if err := s.acceptsRequests(); err != nil {
		return err
	}
	s.writer.PushRequest(op, prio)
	return nil
}

func (s *SessionSvc) acceptsRequests() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsEstablished() || s.closing {
		return errors.Wrap(ErrNotConnected, s.name)
	}
	return nil
}

// beginTransaction registers a service call as in flight. It fails when the
// session is not connected or is shutting down.
func (s *SessionSvc) beginTransaction() (ports.UaConnPort, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || !s.state.IsEstablished() || s.conn == nil {
		return nil, nil, false
	}
	s.inflight.Add(1)
	return s.conn, s.connCtx, true
}

func (s *SessionSvc) discard(batch []*PendingOp) {
	for _, op := range batch {
		if op.Kind == OpWrite {
			op.Item.writeDropped()
		}
	}
	s.debugf(2, "Discarded %d queued operations", len(batch))
}

func (s *SessionSvc) processReads(batch []*PendingOp) {
	conn, ctx, ok := s.beginTransaction()
	if !ok {
		s.discard(batch)
		return
	}
	id := s.txID.Add(1)
	nodes := make([]ua.ReadValueID, 0, len(batch))
	for _, op := range batch {
		op.TransactionID = id
		nodes = append(nodes, ua.ReadValueID{NodeID: op.NodeID, AttributeID: ua.AttributeIDValue})
	}
	s.outstanding.Add(id, batch)
	s.metrics.Batch(s.name, "read", len(batch))
	s.metrics.Outstanding(s.name, s.outstanding.Len())
	s.debugf(2, "Read transaction %d with %d nodes", id, len(batch))

	go func() {
		defer s.inflight.Done()
		cctx, cancel := s.callContext(ctx)
		res, err := conn.Read(cctx, &ua.ReadRequest{
			NodesToRead:        nodes,
			TimestampsToReturn: ua.TimestampsToReturnBoth,
		})
		cancel()
		if err != nil {
			err = errors.Wrap(err, "read")
		}
		s.post(evReadDone{txID: id, res: res, err: err})
	}()
}

func (s *SessionSvc) processWrites(batch []*PendingOp) {
	conn, ctx, ok := s.beginTransaction()
	if !ok {
		s.discard(batch)
		return
	}
	id := s.txID.Add(1)
	nodes := make([]ua.WriteValue, 0, len(batch))
	sent := make([]*PendingOp, 0, len(batch))
	for _, op := range batch {
		v, status := op.Item.outgoingValue()
		if status != ua.Good {
			op.Item.WriteFailure(status)
			continue
		}
		op.Value = v
		op.TransactionID = id
		nodes = append(nodes, ua.WriteValue{
			NodeID:      op.NodeID,
			AttributeID: ua.AttributeIDValue,
			Value:       ua.DataValue{Value: v},
		})
		sent = append(sent, op)
	}
	if len(sent) == 0 {
		s.inflight.Done()
		return
	}
	s.outstanding.Add(id, sent)
	s.metrics.Batch(s.name, "write", len(sent))
	s.metrics.Outstanding(s.name, s.outstanding.Len())
	s.debugf(2, "Write transaction %d with %d nodes", id, len(sent))

	go func() {
		defer s.inflight.Done()
		cctx, cancel := s.callContext(ctx)
		res, err := conn.Write(cctx, &ua.WriteRequest{NodesToWrite: nodes})
		cancel()
		if err != nil {
			err = errors.Wrap(err, "write")
		}
		s.post(evWriteDone{txID: id, res: res, err: err})
	}()
}

func (s *SessionSvc) onReadDone(ev evReadDone) {
	batch, ok := s.outstanding.Take(ev.txID)
	s.metrics.Outstanding(s.name, s.outstanding.Len())
	if !ok {
		s.log.WithFields(logrus.Fields{"Session": s.name, "Transaction": ev.txID}).Debugln("Read response for unknown transaction ignored 🔔")
		return
	}
	err := ev.err
	if err == nil && ev.res.ResponseHeader.ServiceResult.IsBad() {
		err = ev.res.ResponseHeader.ServiceResult
	}
	if err != nil {
		status := statusOf(err)
		s.log.WithFields(logrus.Fields{
			"Session":     s.name,
			"Transaction": ev.txID,
			"Err":         err,
		}).Warnln("Read failed 🔔")
		s.metrics.Transaction(s.name, "read", "error")
		for _, op := range batch {
			op.Item.ReadFailure(status)
		}
		return
	}
	s.metrics.Transaction(s.name, "read", "ok")
	for i, op := range batch {
		if i >= len(ev.res.Results) {
			op.Item.ReadFailure(ua.BadUnknownResponse)
			continue
		}
		op.Item.ReadComplete(ev.res.Results[i])
	}
}

func (s *SessionSvc) onWriteDone(ev evWriteDone) {
	batch, ok := s.outstanding.Take(ev.txID)
	s.metrics.Outstanding(s.name, s.outstanding.Len())
	if !ok {
		s.log.WithFields(logrus.Fields{"Session": s.name, "Transaction": ev.txID}).Debugln("Write response for unknown transaction ignored 🔔")
		return
	}
	err := ev.err
	if err == nil && ev.res.ResponseHeader.ServiceResult.IsBad() {
		err = ev.res.ResponseHeader.ServiceResult
	}
	if err != nil {
		status := statusOf(err)
		s.log.WithFields(logrus.Fields{
			"Session":     s.name,
			"Transaction": ev.txID,
			"Err":         err,
		}).Warnln("Write failed 🔔")
		s.metrics.Transaction(s.name, "write", "error")
		for _, op := range batch {
			op.Item.WriteFailure(status)
		}
		return
	}
	s.metrics.Transaction(s.name, "write", "ok")
	for i, op := range batch {
		switch {
		case i >= len(ev.res.Results):
			op.Item.WriteFailure(ua.BadUnknownResponse)
		case ev.res.Results[i].IsBad():
			op.Item.WriteFailure(ev.res.Results[i])
		default:
			op.Item.WriteComplete(ev.res.Results[i])
		}
	}
}

// Show prints the session; level 1 adds subscriptions and items, level 2
// adds the element trees.
func (s *SessionSvc) Show(w io.Writer, level int) {
	s.mu.Lock()
	subs := append([]*SubscriptionSvc(nil), s.subscriptions...)
	items := append([]*ItemSvc(nil), s.items...)
	state := s.state
	s.mu.Unlock()

	registered := 0
	for _, it := range items {
		if it.IsRegistered() {
			registered++
		}
	}
	fmt.Fprintf(w, "session=%s url=%s state=%s subscriptions=%d items=%d registered=%d\n",
		s.name, s.url, state, len(subs), len(items), registered)
	fmt.Fprintf(w, "  read: max=%d holdoff=%s..%s pending=%d  write: max=%d holdoff=%s..%s pending=%d  outstanding=%d\n",
		s.reader.MaxPerCall(), s.reader.MinHoldoff(), s.reader.MaxHoldoff(), s.reader.Pending(),
		s.writer.MaxPerCall(), s.writer.MinHoldoff(), s.writer.MaxHoldoff(), s.writer.Pending(),
		s.outstanding.Len())
	if level < 1 {
		return
	}
	for _, sub := range subs {
		sub.Show(w, level, 2)
	}
	for _, it := range items {
		if it.subscription == nil {
			it.Show(w, level, 2)
		}
	}
}
