package services

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/config"
	ulog "github.com/amine-amaach/opcua-bridge/internal/log"
	"github.com/amine-amaach/opcua-bridge/internal/metrics"
	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/amine-amaach/opcua-bridge/internal/registry"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownItem   = errors.New("unknown item")
	ErrUnknownSink   = errors.New("unknown sink")
	ErrUnknownTarget = errors.New("no session or subscription matches")
)

// BridgeSvc is the process wide context: registries, defaults, sinks and the
// consumer worker pool. Sessions and subscriptions share one namespace.
type BridgeSvc struct {
	Defaults component.Defaults
	Log      *logrus.Logger

	dialer  ports.UaDialerPort
	metrics *metrics.Metrics
	pool    *workerpool.WorkerPool

	links         *registry.Namespace
	sessions      *registry.Registry[*SessionSvc]
	subscriptions *registry.Registry[*SubscriptionSvc]
	items         *registry.Registry[*ItemSvc]
	bindings      *registry.Registry[*BindingSvc]

	mu          sync.Mutex
	sinks       map[string]ports.SinkPort
	commands    ports.CommandPort
	topicPrefix string
	started     bool
}

func NewBridgeSvc(
	defaults component.Defaults,
	dialer ports.UaDialerPort,
	log *logrus.Logger,
	m *metrics.Metrics,
) *BridgeSvc {
	links := registry.NewNamespace()
	return &BridgeSvc{
		Defaults:      defaults,
		Log:           log,
		dialer:        dialer,
		metrics:       m,
		pool:          workerpool.New(runtime.NumCPU()),
		links:         links,
		sessions:      registry.New[*SessionSvc](links),
		subscriptions: registry.New[*SubscriptionSvc](links),
		items:         registry.New[*ItemSvc](registry.NewNamespace()),
		bindings:      registry.New[*BindingSvc](registry.NewNamespace()),
		sinks:         make(map[string]ports.SinkPort),
	}
}

func (b *BridgeSvc) AddSink(sink ports.SinkPort) {
	b.mu.Lock()
	b.sinks[sink.Name()] = sink
	b.mu.Unlock()
}

// SetCommandPort makes output bindings listen on <prefix>/<binding>/set.
func (b *BridgeSvc) SetCommandPort(cmd ports.CommandPort, prefix string) {
	b.mu.Lock()
	b.commands = cmd
	b.topicPrefix = strings.TrimSuffix(prefix, "/")
	b.mu.Unlock()
}

func (b *BridgeSvc) Session(name string) (*SessionSvc, bool) { return b.sessions.Find(name) }
func (b *BridgeSvc) Subscription(name string) (*SubscriptionSvc, bool) {
	return b.subscriptions.Find(name)
}
func (b *BridgeSvc) Item(name string) (*ItemSvc, bool)       { return b.items.Find(name) }
func (b *BridgeSvc) Binding(name string) (*BindingSvc, bool) { return b.bindings.Find(name) }
func (b *BridgeSvc) Sessions(pattern string) []*SessionSvc   { return b.sessions.Glob(pattern) }

// CreateSession validates and registers a session. Options are applied
// before the name is claimed, so a bad option leaves nothing behind.
func (b *BridgeSvc) CreateSession(name, endpointURL, opts string, dialOpts ports.DialOptions) (*SessionSvc, error) {
	if name == "" {
		return nil, errors.Wrap(ErrInvalidOption, "empty session name")
	}
	if b.links.Contains(name) {
		return nil, errors.Wrap(registry.ErrNameInUse, name)
	}
	s, err := NewSessionSvc(name, endpointURL, dialOpts, b.dialer, b.Defaults, b.Log, b.metrics)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyOptions(opts); err != nil {
		s.Close()
		return nil, err
	}
	if err := b.sessions.Insert(name, s); err != nil {
		s.Close()
		return nil, err
	}
	b.Log.WithFields(logrus.Fields{"Session": name, "URL": endpointURL}).Infoln("Session created ✅")
	return s, nil
}

func (b *BridgeSvc) CreateSubscription(name, session string, interval float64, opts string) (*SubscriptionSvc, error) {
	if name == "" {
		return nil, errors.Wrap(ErrInvalidOption, "empty subscription name")
	}
	s, ok := b.sessions.Find(session)
	if !ok {
		return nil, errors.Wrap(ErrUnknownSession, session)
	}
	if b.links.Contains(name) {
		return nil, errors.Wrap(registry.ErrNameInUse, name)
	}
	sub := NewSubscriptionSvc(name, s, interval, b.Log)
	if err := sub.ApplyOptions(opts); err != nil {
		return nil, err
	}
	if err := b.subscriptions.Insert(name, sub); err != nil {
		return nil, err
	}
	s.addSubscription(sub)
	b.Log.WithFields(logrus.Fields{"Subscription": name, "Session": session}).Infoln("Subscription created ✅")
	return sub, nil
}

// AddItem links an item to its session or subscription.
func (b *BridgeSvc) AddItem(cfg component.Item) (*ItemSvc, error) {
	var (
		session *SessionSvc
		sub     *SubscriptionSvc
		ok      bool
	)
	switch {
	case cfg.Subscription != "":
		if sub, ok = b.subscriptions.Find(cfg.Subscription); !ok {
			return nil, errors.Wrap(ErrUnknownSubscription, cfg.Subscription)
		}
		session = sub.Session()
	case cfg.Session != "":
		if session, ok = b.sessions.Find(cfg.Session); !ok {
			return nil, errors.Wrap(ErrUnknownSession, cfg.Session)
		}
	default:
		return nil, errors.Wrapf(ErrInvalidOption, "item %s has no session or subscription", cfg.Name)
	}
	if b.items.Contains(cfg.Name) {
		return nil, errors.Wrap(registry.ErrNameInUse, cfg.Name)
	}

	it, err := NewItemSvc(cfg, session, sub, b.Defaults, b.Log)
	if err != nil {
		return nil, err
	}
	if err := b.items.Insert(cfg.Name, it); err != nil {
		return nil, err
	}
	if sub != nil {
		sub.addItem(it)
	}
	session.addItem(it)
	return it, nil
}

// AddBinding attaches a consumer to an item. Bindings added after Start are
// started right away.
func (b *BridgeSvc) AddBinding(cfg component.Binding) (*BindingSvc, error) {
	it, ok := b.items.Find(cfg.Item)
	if !ok {
		return nil, errors.Wrap(ErrUnknownItem, cfg.Item)
	}
	sinkName := cfg.Sink
	if sinkName == "" {
		sinkName = "log"
	}
	b.mu.Lock()
	sink, ok := b.sinks[sinkName]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownSink, sinkName)
	}
	if b.bindings.Contains(cfg.Name) {
		return nil, errors.Wrap(registry.ErrNameInUse, cfg.Name)
	}

	bd, err := NewBindingSvc(cfg, it, sink, b.pool, b.Defaults, b.metrics, b.Log)
	if err != nil {
		return nil, err
	}
	if err := b.bindings.Insert(cfg.Name, bd); err != nil {
		return nil, err
	}

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		if err := b.startBinding(context.Background(), bd); err != nil {
			return bd, err
		}
	}
	return bd, nil
}

// Apply builds everything the configuration describes. It stops at the first
// error.
func (b *BridgeSvc) Apply(cfg config.Cfg) error {
	for _, s := range cfg.Sessions {
		dialOpts := ports.DialOptions{
			User:               s.User,
			Password:           s.Password,
			InsecureSkipVerify: s.InsecureSkipVerify,
		}
		if _, err := b.CreateSession(s.Name, s.URL, s.Options, dialOpts); err != nil {
			return err
		}
		for _, sub := range s.Subscriptions {
			if _, err := b.CreateSubscription(sub.Name, s.Name, sub.PublishingInterval, sub.Options); err != nil {
				return err
			}
		}
	}
	for _, it := range cfg.Items {
		if _, err := b.AddItem(it); err != nil {
			return err
		}
	}
	for _, bd := range cfg.Bindings {
		if _, err := b.AddBinding(bd); err != nil {
			return err
		}
	}
	b.Log.WithFields(logrus.Fields{
		"Sessions":      b.sessions.Len(),
		"Subscriptions": b.subscriptions.Len(),
		"Items":         b.items.Len(),
		"Bindings":      b.bindings.Len(),
	}).Infoln("Configuration applied ✅")
	return nil
}

// Start starts the bindings and connects the sessions with autoconnect set.
func (b *BridgeSvc) Start(ctx context.Context) error {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	for _, bd := range b.bindings.Glob("*") {
		if err := b.startBinding(ctx, bd); err != nil {
			return err
		}
	}
	for _, s := range b.sessions.Glob("*") {
		if !s.AutoConnect() {
			continue
		}
		if err := s.Connect(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BridgeSvc) startBinding(ctx context.Context, bd *BindingSvc) error {
	b.mu.Lock()
	cmd, prefix := b.commands, b.topicPrefix
	b.mu.Unlock()
	topic := bd.Name() + "/set"
	if prefix != "" {
		topic = prefix + "/" + topic
	}
	return bd.Start(ctx, cmd, topic)
}

// Shutdown disconnects every session and waits for the consumers to drain.
func (b *BridgeSvc) Shutdown(ctx context.Context) {
	for _, bd := range b.bindings.Glob("*") {
		bd.Stop()
	}
	var wg sync.WaitGroup
	for _, s := range b.sessions.Glob("*") {
		wg.Add(1)
		go func(s *SessionSvc) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		b.pool.StopWait()
		close(done)
	}()
	select {
	case <-done:
		b.Log.Infoln("Bridge stopped ✅")
	case <-ctx.Done():
		b.Log.Warnln("Bridge shutdown timed out 🔔")
	}
}

// Connect connects every session matching pattern.
func (b *BridgeSvc) Connect(pattern string) (int, error) {
	sessions := b.sessions.Glob(pattern)
	if len(sessions) == 0 {
		return 0, errors.Wrap(ErrUnknownSession, pattern)
	}
	for _, s := range sessions {
		if err := s.Connect(); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}

// Disconnect disconnects every session matching pattern. It blocks until
// they are all disconnected.
func (b *BridgeSvc) Disconnect(pattern string) (int, error) {
	sessions := b.sessions.Glob(pattern)
	if len(sessions) == 0 {
		return 0, errors.Wrap(ErrUnknownSession, pattern)
	}
	for _, s := range sessions {
		s.Disconnect()
	}
	return len(sessions), nil
}

// SetOption sets key on every session and subscription matching target.
func (b *BridgeSvc) SetOption(target, key, value string) (int, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	n := 0
	for _, s := range b.sessions.Glob(target) {
		if err := s.SetOption(key, value); err != nil {
			return n, errors.Wrapf(err, "session %s", s.Name())
		}
		n++
	}
	for _, sub := range b.subscriptions.Glob(target) {
		if err := sub.SetOption(key, value); err != nil {
			return n, errors.Wrapf(err, "subscription %s", sub.Name())
		}
		n++
	}
	if n == 0 {
		return 0, errors.Wrap(ErrUnknownTarget, target)
	}
	if key == "debug" {
		if level, err := parseCount(key, value); err == nil {
			b.raiseLogLevel(level)
		}
	}
	return n, nil
}

// SetOptions applies a "key=value:key=value" list to every session and
// subscription matching target.
func (b *BridgeSvc) SetOptions(target, opts string) (int, error) {
	parsed, err := parseOptions(opts)
	if err != nil {
		return 0, err
	}
	if len(parsed) == 0 {
		return 0, errors.Wrap(ErrInvalidOption, "no option given")
	}
	n := 0
	for _, o := range parsed {
		if n, err = b.SetOption(target, o.key, o.value); err != nil {
			return n, err
		}
	}
	return n, nil
}

// DebugLevel sets the debug level of matching sessions and subscriptions.
func (b *BridgeSvc) DebugLevel(target string, level int) (int, error) {
	if level < 0 {
		return 0, errors.Wrapf(ErrInvalidOption, "debug level %d", level)
	}
	n := 0
	for _, s := range b.sessions.Glob(target) {
		s.SetDebug(level)
		n++
	}
	for _, sub := range b.subscriptions.Glob(target) {
		sub.SetDebug(level)
		n++
	}
	if n == 0 {
		return 0, errors.Wrap(ErrUnknownTarget, target)
	}
	b.raiseLogLevel(level)
	return n, nil
}

// raiseLogLevel makes the process logger verbose enough for the debug
// traces of level. It never lowers it.
func (b *BridgeSvc) raiseLogLevel(level int) {
	if lvl := ulog.DebugLevel(level); lvl > b.Log.GetLevel() {
		b.Log.SetLevel(lvl)
	}
}

// Show prints the sessions matching pattern. The "*" pattern appends totals.
func (b *BridgeSvc) Show(w io.Writer, pattern string, level int) error {
	sessions := b.sessions.Glob(pattern)
	if len(sessions) == 0 {
		return errors.Wrap(ErrUnknownSession, pattern)
	}
	for _, s := range sessions {
		s.Show(w, level)
	}
	if pattern != "*" {
		return nil
	}

	up := 0
	for _, s := range sessions {
		if s.State() == model.SessionConnected {
			up++
		}
	}
	monitored := 0
	for _, it := range b.items.Glob("*") {
		if it.IsMonitored() {
			monitored++
		}
	}
	fmt.Fprintf(w, "total: sessions=%d connected=%d subscriptions=%d items=%d monitored=%d bindings=%d\n",
		len(sessions), up, b.subscriptions.Len(), b.items.Len(), monitored, b.bindings.Len())
	return nil
}
