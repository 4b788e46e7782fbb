package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/amine-amaach/opcua-bridge/internal/batcher"
	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/element"
	"github.com/amine-amaach/opcua-bridge/internal/metrics"
	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownBinding = errors.New("unknown binding")
	ErrNotOutput      = errors.New("binding is not an output")
)

// BindingSvc is the consumer of one leaf. Popped updates are turned into
// samples and handed to a sink; output bindings also accept writes.
type BindingSvc struct {
	name          string
	item          *ItemSvc
	element       string
	leaf          *element.Leaf
	output        bool
	initialOutput any
	maxLength     int
	pollInterval  time.Duration
	sink          ports.SinkPort
	pool          *workerpool.WorkerPool
	metrics       *metrics.Metrics
	log           *logrus.Logger

	scheduled atomic.Bool
	drainMu   sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBindingSvc creates the binding and inserts its leaf into the item tree.
func NewBindingSvc(
	cfg component.Binding,
	item *ItemSvc,
	sink ports.SinkPort,
	pool *workerpool.WorkerPool,
	defaults component.Defaults,
	m *metrics.Metrics,
	log *logrus.Logger,
) (*BindingSvc, error) {
	tsName := cfg.Timestamp
	if tsName == "" {
		tsName = defaults.Timestamp
	}
	tsSource, err := model.ParseTimestampSource(tsName)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", cfg.Name)
	}
	var poll time.Duration
	if cfg.PollInterval != "" {
		if poll, err = time.ParseDuration(cfg.PollInterval); err != nil {
			return nil, errors.Wrapf(err, "binding %s: poll_interval", cfg.Name)
		}
	}

	queueSize := cfg.ClientQueueSize
	if queueSize <= 0 {
		serverQueue := defaults.QueueSize
		if item.queueSize > 0 {
			serverQueue = item.queueSize
		}
		queueSize = defaults.ClientQueueSize(serverQueue)
	}
	discardOldest := defaults.DiscardOldest
	if cfg.DiscardOldest != nil {
		discardOldest = *cfg.DiscardOldest
	}

	b := &BindingSvc{
		name:          cfg.Name,
		item:          item,
		element:       cfg.Element,
		output:        cfg.Output,
		initialOutput: cfg.InitialOutput,
		maxLength:     cfg.MaxLength,
		pollInterval:  poll,
		sink:          sink,
		pool:          pool,
		metrics:       m,
		log:           log,
		ctx:           context.Background(),
	}
	b.leaf = element.NewLeaf(cfg.Name, item, b, queueSize, discardOldest, tsSource)

	path := element.SplitPath(cfg.Element)
	if err := item.tree.AddLeaf(b.leaf, path); err != nil {
		return nil, errors.Wrapf(err, "binding %s", cfg.Name)
	}
	if tsSource == model.TsData && cfg.TimestampElement != "" {
		if n := item.tree.NearestNode(path); n != nil {
			n.SetTimestampElement(cfg.TimestampElement)
		}
	}
	item.addBinding(b)
	return b, nil
}

func (b *BindingSvc) Name() string        { return b.name }
func (b *BindingSvc) Item() *ItemSvc      { return b.item }
func (b *BindingSvc) Leaf() *element.Leaf { return b.leaf }
func (b *BindingSvc) IsOutput() bool      { return b.output }

// RequestProcessing is called by the leaf when its queue becomes non-empty.
// At most one drain per binding is scheduled on the pool at a time.
func (b *BindingSvc) RequestProcessing(reason model.ProcessReason) {
	if !b.scheduled.CompareAndSwap(false, true) {
		return
	}
	b.pool.Submit(b.drain)
}

func (b *BindingSvc) drain() {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()
	b.scheduled.Store(false)

	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()

	for {
		r, ok := element.ReadScalar[any](b.leaf)
		if !ok {
			return
		}
		sample := b.sample(r)
		b.metrics.Update(b.name, sample.Reason, r.Overrides)
		err := b.sink.Deliver(ctx, sample)
		b.metrics.SinkDelivery(b.sink.Name(), err)
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"Binding": b.name,
				"Sink":    b.sink.Name(),
				"Err":     err,
			}).Errorln("Sample delivery failed ⛔")
		}
	}
}

func (b *BindingSvc) sample(r element.Reading[any]) model.Sample {
	status := r.Status
	s := model.Sample{
		Binding:   b.name,
		Item:      b.item.Name(),
		Element:   b.element,
		Reason:    r.Reason.String(),
		TimeStamp: r.TimeStamp,
		Overrides: r.Overrides,
	}
	if r.Err != nil {
		status = r.ConvStatus
		s.Error = r.Err.Error()
	}
	if r.HasValue {
		s.HasValue = true
		s.Value = r.Value
		if str, ok := r.Value.(string); ok && b.maxLength > 0 && len(str) > b.maxLength {
			s.Value = truncateText(str, b.maxLength)
		}
	}
	s.Status = statusText(status)
	s.StatusRaw = uint32(status)
	s.Good = status.IsGood()
	return s
}

// truncateText cuts s to at most maxLen bytes on a rune boundary.
func truncateText(s string, maxLen int) string {
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Write stores v as the leaf's outgoing value and requests a write.
func (b *BindingSvc) Write(v any) error {
	if !b.output {
		return errors.Wrap(ErrNotOutput, b.name)
	}
	if str, ok := v.(string); ok && b.maxLength > 0 {
		if err := element.WriteString(b.leaf, str, b.maxLength); err != nil {
			return err
		}
	} else if err := b.leaf.WriteValue(v); err != nil {
		return err
	}
	return b.item.RequestWriteIfDirty()
}

// HandleCommand decodes a command payload as JSON, or takes it as plain text,
// and writes it.
func (b *BindingSvc) HandleCommand(payload []byte) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		v = string(payload)
	}
	if err := b.Write(v); err != nil {
		b.log.WithFields(logrus.Fields{
			"Binding": b.name,
			"Value":   v,
			"Err":     err,
		}).Warnln("Write command rejected 🔔")
		return
	}
	b.log.WithFields(logrus.Fields{"Binding": b.name, "Value": v}).Debugln("Write command accepted")
}

// ApplyInitialOutput stores the configured initial value for the initial
// write after connect.
func (b *BindingSvc) ApplyInitialOutput() {
	if !b.output || b.initialOutput == nil {
		return
	}
	if err := b.leaf.WriteValue(b.initialOutput); err != nil {
		b.log.WithFields(logrus.Fields{
			"Binding": b.name,
			"Value":   b.initialOutput,
			"Err":     err,
		}).Warnln("Initial output not applicable 🔔")
	}
}

// Start subscribes the command topic of output bindings and starts polling
// when the item is not monitored.
func (b *BindingSvc) Start(ctx context.Context, cmd ports.CommandPort, cmdTopic string) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.ctx, b.cancel = ctx, cancel
	b.mu.Unlock()

	if b.output && cmd != nil && cmdTopic != "" {
		if err := cmd.Subscribe(ctx, cmdTopic, b.HandleCommand); err != nil {
			return errors.Wrapf(err, "binding %s: subscribe %s", b.name, cmdTopic)
		}
		b.log.WithFields(logrus.Fields{"Binding": b.name, "Topic": cmdTopic}).Infoln("Listening for writes ✅")
	}

	if b.pollInterval > 0 && !b.item.monitor {
		b.wg.Add(1)
		go b.poll(ctx)
	}
	return nil
}

func (b *BindingSvc) poll(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.item.RequestRead(batcher.PriorityLow); err != nil {
				b.log.WithFields(logrus.Fields{"Binding": b.name, "Err": err}).Traceln("Poll skipped")
			}
		}
	}
}

func (b *BindingSvc) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}
