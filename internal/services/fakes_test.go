package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/model"
	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const testURL = "opc.tcp://localhost:4840"

// fakeConn answers every service with Good. Value reads return value.
type fakeConn struct {
	mu       sync.Mutex
	calls    []string
	value    any
	writes   []ua.WriteValue
	nextSub  uint32
	nextItem uint32
	closed   bool
	stalled  bool

	notes  chan *ua.PublishResponse
	broken chan struct{}
	once   sync.Once
}

func newFakeConn(value any) *fakeConn {
	return &fakeConn{
		value:  value,
		notes:  make(chan *ua.PublishResponse, 8),
		broken: make(chan struct{}),
	}
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeConn) count(call string) int {
	n := 0
	for _, name := range c.Calls() {
		if name == call {
			n++
		}
	}
	return n
}

func (c *fakeConn) Writes() []ua.WriteValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ua.WriteValue(nil), c.writes...)
}

// Stall makes keep-alive reads hang until their deadline.
func (c *fakeConn) Stall(on bool) {
	c.mu.Lock()
	c.stalled = on
	c.mu.Unlock()
}

// Break makes every later call fail as if the channel was closed.
func (c *fakeConn) Break() {
	c.once.Do(func() { close(c.broken) })
}

func (c *fakeConn) isBroken() bool {
	select {
	case <-c.broken:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	if c.isBroken() {
		return nil, ua.BadConnectionClosed
	}
	if len(req.NodesToRead) == 1 && req.NodesToRead[0].NodeID == ua.VariableIDServerServerStatusState {
		c.record("KeepAlive")
		c.mu.Lock()
		stalled := c.stalled
		c.mu.Unlock()
		if stalled {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &ua.ReadResponse{Results: []ua.DataValue{{Value: int32(0)}}}, nil
	}
	c.record("Read")
	c.mu.Lock()
	v := c.value
	c.mu.Unlock()
	now := time.Now()
	res := &ua.ReadResponse{}
	for range req.NodesToRead {
		res.Results = append(res.Results, ua.NewDataValue(v, ua.Good, now, 0, now, 0))
	}
	return res, nil
}

func (c *fakeConn) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	if c.isBroken() {
		return nil, ua.BadConnectionClosed
	}
	c.record("Write")
	c.mu.Lock()
	c.writes = append(c.writes, req.NodesToWrite...)
	c.mu.Unlock()
	res := &ua.WriteResponse{}
	for range req.NodesToWrite {
		res.Results = append(res.Results, ua.Good)
	}
	return res, nil
}

func (c *fakeConn) RegisterNodes(ctx context.Context, req *ua.RegisterNodesRequest) (*ua.RegisterNodesResponse, error) {
	c.record("RegisterNodes")
	res := &ua.RegisterNodesResponse{}
	for i := range req.NodesToRegister {
		res.RegisteredNodeIDs = append(res.RegisteredNodeIDs, ua.NewNodeIDNumeric(1, uint32(1000+i)))
	}
	return res, nil
}

func (c *fakeConn) CreateSubscription(ctx context.Context, req *ua.CreateSubscriptionRequest) (*ua.CreateSubscriptionResponse, error) {
	c.record("CreateSubscription")
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.mu.Unlock()
	return &ua.CreateSubscriptionResponse{
		SubscriptionID:            id,
		RevisedPublishingInterval: req.RequestedPublishingInterval,
		RevisedMaxKeepAliveCount:  req.RequestedMaxKeepAliveCount,
		RevisedLifetimeCount:      req.RequestedLifetimeCount,
	}, nil
}

func (c *fakeConn) CreateMonitoredItems(ctx context.Context, req *ua.CreateMonitoredItemsRequest) (*ua.CreateMonitoredItemsResponse, error) {
	c.record("CreateMonitoredItems")
	res := &ua.CreateMonitoredItemsResponse{}
	c.mu.Lock()
	for _, r := range req.ItemsToCreate {
		c.nextItem++
		res.Results = append(res.Results, ua.MonitoredItemCreateResult{
			StatusCode:       ua.Good,
			MonitoredItemID:  c.nextItem,
			RevisedQueueSize: r.RequestedParameters.QueueSize,
		})
	}
	c.mu.Unlock()
	return res, nil
}

func (c *fakeConn) DeleteSubscriptions(ctx context.Context, req *ua.DeleteSubscriptionsRequest) (*ua.DeleteSubscriptionsResponse, error) {
	c.record("DeleteSubscriptions")
	return &ua.DeleteSubscriptionsResponse{}, nil
}

func (c *fakeConn) Publish(ctx context.Context, req *ua.PublishRequest) (*ua.PublishResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.broken:
		return nil, ua.BadConnectionClosed
	case res := <-c.notes:
		return res, nil
	}
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// dataChange queues a publish response carrying one value for handle.
func (c *fakeConn) dataChange(subID, handle uint32, v any) {
	now := time.Now()
	c.notes <- &ua.PublishResponse{
		SubscriptionID: subID,
		NotificationMessage: ua.NotificationMessage{
			SequenceNumber: 1,
			PublishTime:    now,
			NotificationData: []ua.ExtensionObject{
				ua.DataChangeNotification{
					MonitoredItems: []ua.MonitoredItemNotification{
						{ClientHandle: handle, Value: ua.NewDataValue(v, ua.Good, now, 0, now, 0)},
					},
				},
			},
		},
	}
}

// fakeDialer hands out a new fakeConn per dial.
type fakeDialer struct {
	mu    sync.Mutex
	value any
	fail  error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, endpointURL string, opts ports.DialOptions) (ports.UaConnPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn(d.value)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) last() *fakeConn {
	conns := d.Conns()
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// recordingSink keeps every delivered sample.
type recordingSink struct {
	name    string
	mu      sync.Mutex
	samples []model.Sample
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, sample model.Sample) error {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) with(binding string, reason model.ProcessReason) []model.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Sample
	for _, smp := range s.samples {
		if smp.Binding == binding && smp.Reason == reason.String() {
			out = append(out, smp)
		}
	}
	return out
}

func testDefaults() component.Defaults {
	d := component.NewDefaults()
	d.ConnectTimeout = time.Second
	return d
}

func newTestBridge(t *testing.T) (*BridgeSvc, *fakeDialer, *recordingSink) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	dialer := &fakeDialer{value: float64(21.5)}
	b := NewBridgeSvc(testDefaults(), dialer, logger, nil)
	sink := &recordingSink{name: "log"}
	b.AddSink(sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b, dialer, sink
}
