package services

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrUnknownSubscription = errors.New("unknown subscription")

// SubscriptionSvc groups monitored items under one server side subscription.
// The server handle is dropped on connection loss and the subscription is
// created again, with its items, once the session is back.
type SubscriptionSvc struct {
	name    string
	session *SessionSvc
	log     *logrus.Logger

	mu                sync.Mutex
	requestedInterval float64
	priority          uint8
	debug             int
	items             []*ItemSvc

	created          bool
	serverID         uint32
	revisedInterval  float64
	revisedKeepAlive uint32
	revisedLifetime  uint32
}

func NewSubscriptionSvc(name string, session *SessionSvc, interval float64, log *logrus.Logger) *SubscriptionSvc {
	if interval <= 0 {
		interval = session.defaults.PublishingInterval
	}
	return &SubscriptionSvc{
		name:              name,
		session:           session,
		log:               log,
		requestedInterval: interval,
	}
}

func (sub *SubscriptionSvc) Name() string         { return sub.name }
func (sub *SubscriptionSvc) Session() *SessionSvc { return sub.session }

func (sub *SubscriptionSvc) PublishingInterval() float64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.created {
		return sub.revisedInterval
	}
	return sub.requestedInterval
}

func (sub *SubscriptionSvc) Items() []*ItemSvc {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return append([]*ItemSvc(nil), sub.items...)
}

// ServerID returns the server handle; ok is false while not created.
func (sub *SubscriptionSvc) ServerID() (id uint32, ok bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.serverID, sub.created
}

func (sub *SubscriptionSvc) SetDebug(level int) {
	sub.mu.Lock()
	sub.debug = level
	sub.mu.Unlock()
}

func (sub *SubscriptionSvc) addItem(it *ItemSvc) {
	sub.mu.Lock()
	sub.items = append(sub.items, it)
	sub.mu.Unlock()
}

func (sub *SubscriptionSvc) ApplyOptions(opts string) error {
	parsed, err := parseOptions(opts)
	if err != nil {
		return err
	}
	for _, o := range parsed {
		if err := sub.SetOption(o.key, o.value); err != nil {
			return err
		}
	}
	return nil
}

func (sub *SubscriptionSvc) SetOption(key, value string) error {
	switch key {
	case "debug":
		n, err := parseCount(key, value)
		if err != nil {
			return err
		}
		sub.SetDebug(n)
	case "priority":
		n, err := parseCount(key, value)
		if err != nil || n > math.MaxUint8 {
			return errors.Wrapf(ErrInvalidOption, "%s=%s: expected 0..255", key, value)
		}
		sub.mu.Lock()
		sub.priority = uint8(n)
		sub.mu.Unlock()
	default:
		sub.log.WithFields(logrus.Fields{"Subscription": sub.name, "Option": key}).Warnln("Unknown option, ignored 🔔")
	}
	return nil
}

// keepAliveCount makes the server report at least once per connect timeout.
func (sub *SubscriptionSvc) keepAliveCount(interval float64) uint32 {
	timeoutMs := float64(sub.session.defaults.ConnectTimeout.Milliseconds())
	n := uint32(math.Ceil(timeoutMs / interval))
	if n < 1 {
		n = 1
	}
	return n
}

// Create issues CreateSubscription and records the revised values. Failures
// are not retried before the next reconnect.
func (sub *SubscriptionSvc) Create(ctx context.Context, conn ports.UaConnPort) error {
	sub.mu.Lock()
	interval := sub.requestedInterval
	priority := sub.priority
	sub.mu.Unlock()

	keepAlive := sub.keepAliveCount(interval)
	cctx, cancel := sub.session.callContext(ctx)
	defer cancel()
	res, err := conn.CreateSubscription(cctx, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: interval,
		RequestedMaxKeepAliveCount:  keepAlive,
		RequestedLifetimeCount:      3 * keepAlive,
		PublishingEnabled:           true,
		Priority:                    priority,
	})
	if err == nil && res.ResponseHeader.ServiceResult.IsBad() {
		err = res.ResponseHeader.ServiceResult
	}
	if err != nil {
		return errors.Wrapf(err, "create subscription %s", sub.name)
	}

	sub.mu.Lock()
	sub.created = true
	sub.serverID = res.SubscriptionID
	sub.revisedInterval = res.RevisedPublishingInterval
	sub.revisedKeepAlive = res.RevisedMaxKeepAliveCount
	sub.revisedLifetime = res.RevisedLifetimeCount
	sub.mu.Unlock()

	sub.log.WithFields(logrus.Fields{
		"Subscription": sub.name,
		"Id":           res.SubscriptionID,
		"Interval":     res.RevisedPublishingInterval,
	}).Infoln("Subscription created ✅")
	return nil
}

// AddMonitoredItems creates one monitored item per item in a single call.
// Items the server rejects stay unmonitored; the others are unaffected.
func (sub *SubscriptionSvc) AddMonitoredItems(ctx context.Context, conn ports.UaConnPort) {
	sub.addMonitored(ctx, conn, nil)
}

// addMonitored monitors only, or every item when only is nil.
func (sub *SubscriptionSvc) addMonitored(ctx context.Context, conn ports.UaConnPort, only *ItemSvc) {
	sub.mu.Lock()
	id, created := sub.serverID, sub.created
	interval := sub.revisedInterval
	items := append([]*ItemSvc(nil), sub.items...)
	sub.mu.Unlock()
	if !created {
		return
	}

	var monitored []*ItemSvc
	var reqs []ua.MonitoredItemCreateRequest
	for handle, it := range items {
		if !it.monitor || (only != nil && it != only) {
			continue
		}
		monitored = append(monitored, it)
		reqs = append(reqs, it.monitorRequest(uint32(handle), interval))
	}
	if len(reqs) == 0 {
		return
	}

	cctx, cancel := sub.session.callContext(ctx)
	defer cancel()
	res, err := conn.CreateMonitoredItems(cctx, &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     id,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToCreate:      reqs,
	})
	if err == nil && res.ResponseHeader.ServiceResult.IsBad() {
		err = res.ResponseHeader.ServiceResult
	}
	if err != nil {
		sub.log.WithFields(logrus.Fields{"Subscription": sub.name, "Err": err}).Errorln("Create monitored items failed ⛔")
		return
	}
	failed := 0
	for i, it := range monitored {
		if i >= len(res.Results) || res.Results[i].StatusCode.IsBad() {
			status := ua.BadUnknownResponse
			if i < len(res.Results) {
				status = res.Results[i].StatusCode
			}
			sub.log.WithFields(logrus.Fields{
				"Subscription": sub.name,
				"Item":         it.Name(),
				"Status":       statusText(status),
			}).Warnln("Item not monitored 🔔")
			failed++
			continue
		}
		it.setMonitored(res.Results[i].MonitoredItemID, res.Results[i].RevisedQueueSize)
	}
	sub.log.WithFields(logrus.Fields{
		"Subscription": sub.name,
		"Items":        len(monitored) - failed,
		"Failed":       failed,
	}).Infoln("Monitored items added ✅")
}

// Clear forgets the server handle and keeps the configuration.
func (sub *SubscriptionSvc) Clear() {
	sub.mu.Lock()
	sub.created = false
	sub.serverID = 0
	sub.mu.Unlock()
}

func (sub *SubscriptionSvc) notify(msg ua.NotificationMessage) {
	for _, data := range msg.NotificationData {
		switch body := data.(type) {
		case ua.DataChangeNotification:
			sub.dataChange(body.MonitoredItems)
		case *ua.DataChangeNotification:
			sub.dataChange(body.MonitoredItems)
		case ua.StatusChangeNotification:
			sub.statusChange(body.Status)
		case *ua.StatusChangeNotification:
			sub.statusChange(body.Status)
		}
	}
}

func (sub *SubscriptionSvc) dataChange(notes []ua.MonitoredItemNotification) {
	sub.mu.Lock()
	items := sub.items
	debug := sub.debug
	sub.mu.Unlock()
	for _, n := range notes {
		if int(n.ClientHandle) >= len(items) {
			continue
		}
		if debug >= 3 {
			sub.log.WithFields(logrus.Fields{
				"Subscription": sub.name,
				"Item":         items[n.ClientHandle].Name(),
			}).Debugln("Data change")
		}
		items[n.ClientHandle].DataChange(n.Value)
	}
}

func (sub *SubscriptionSvc) statusChange(status ua.StatusCode) {
	sub.log.WithFields(logrus.Fields{
		"Subscription": sub.name,
		"Status":       statusText(status),
	}).Warnln("Subscription status changed 🔔")
}

func (sub *SubscriptionSvc) Show(w io.Writer, level int, indent int) {
	sub.mu.Lock()
	items := append([]*ItemSvc(nil), sub.items...)
	pad := strings.Repeat(" ", indent)
	if sub.created {
		fmt.Fprintf(w, "%ssubscription=%s id=%d interval=%g (requested %g) keepalive=%d lifetime=%d priority=%d items=%d\n",
			pad, sub.name, sub.serverID, sub.revisedInterval, sub.requestedInterval,
			sub.revisedKeepAlive, sub.revisedLifetime, sub.priority, len(items))
	} else {
		fmt.Fprintf(w, "%ssubscription=%s not created interval=%g priority=%d items=%d\n",
			pad, sub.name, sub.requestedInterval, sub.priority, len(items))
	}
	sub.mu.Unlock()
	if level < 1 {
		return
	}
	for _, it := range items {
		it.Show(w, level, indent+2)
	}
}
