package uaclient_test

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/amine-amaach/opcua-bridge/internal/services"
	"github.com/amine-amaach/opcua-bridge/internal/uaclient"
	"github.com/awcullen/opcua/ua"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveSimulator(t *testing.T) *services.SensorSimSvc {
	t.Helper()
	if testing.Short() {
		t.Skip("starts an OPC UA server")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	sim, err := services.NewSensorSimSvc(component.Simulator{
		Endpoint:  fmt.Sprintf("opc.tcp://127.0.0.1:%d", port),
		Namespace: "http://github.com/amine-amaach/opcua-bridge/sim",
		Sensors:   []component.IoTSensor{{SensorId: "Temperature", Mean: 20, Std: 1, DelayMin: 1}},
		PKIPath:   filepath.Join(t.TempDir(), "pki"),
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- sim.ListenAndServe() }()
	require.Eventually(t, sim.Server().Running, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	sim.Run(ctx)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, sim.Close())
		<-served
	})
	return sim
}

func dial(t *testing.T, d *uaclient.Dialer, endpoint string) ports.UaConnPort {
	t.Helper()
	var conn ports.UaConnPort
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := d.Dial(ctx, endpoint, ports.DialOptions{InsecureSkipVerify: true})
		conn = c
		return err == nil
	}, 15*time.Second, 100*time.Millisecond)
	return conn
}

func TestDialUnreachable(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("opc.tcp://%s", ln.Addr())
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := uaclient.NewDialer(logger).Dial(ctx, endpoint, ports.DialOptions{})
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial "+endpoint)
}

func TestConnRoundTrip(t *testing.T) {
	sim := serveSimulator(t)
	logger, _ := test.NewNullLogger()
	conn := dial(t, uaclient.NewDialer(logger), sim.Server().EndpointURL())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ns := sim.Server().NamespaceIndex()
	setpoint := ua.NewNodeIDString(ns, services.SetpointNode)
	temperature := ua.NewNodeIDString(ns, "Temperature")

	reg, err := conn.RegisterNodes(ctx, &ua.RegisterNodesRequest{NodesToRegister: []ua.NodeID{setpoint}})
	require.NoError(t, err)
	require.Len(t, reg.RegisteredNodeIDs, 1)

	wr, err := conn.Write(ctx, &ua.WriteRequest{NodesToWrite: []ua.WriteValue{{
		NodeID:      setpoint,
		AttributeID: ua.AttributeIDValue,
		Value:       ua.DataValue{Value: 7.5},
	}}})
	require.NoError(t, err)
	require.Len(t, wr.Results, 1)
	assert.Equal(t, ua.Good, wr.Results[0])
	assert.Equal(t, 7.5, sim.Setpoint())

	rd, err := conn.Read(ctx, &ua.ReadRequest{NodesToRead: []ua.ReadValueID{
		{NodeID: setpoint, AttributeID: ua.AttributeIDValue},
		{NodeID: temperature, AttributeID: ua.AttributeIDValue},
	}})
	require.NoError(t, err)
	require.Len(t, rd.Results, 2)
	assert.Equal(t, 7.5, rd.Results[0].Value)
	assert.InDelta(t, 20, rd.Results[1].Value, 10)

	sub, err := conn.CreateSubscription(ctx, &ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 100,
		RequestedMaxKeepAliveCount:  10,
		RequestedLifetimeCount:      30,
		PublishingEnabled:           true,
	})
	require.NoError(t, err)
	mon, err := conn.CreateMonitoredItems(ctx, &ua.CreateMonitoredItemsRequest{
		SubscriptionID:     sub.SubscriptionID,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		ItemsToCreate: []ua.MonitoredItemCreateRequest{{
			ItemToMonitor:  ua.ReadValueID{NodeID: temperature, AttributeID: ua.AttributeIDValue},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: ua.MonitoringParameters{
				ClientHandle:     1,
				SamplingInterval: 100,
				QueueSize:        1,
				DiscardOldest:    true,
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, mon.Results, 1)
	assert.Equal(t, ua.Good, mon.Results[0].StatusCode)

	pub, err := conn.Publish(ctx, &ua.PublishRequest{})
	require.NoError(t, err)
	assert.Equal(t, sub.SubscriptionID, pub.SubscriptionID)

	del, err := conn.DeleteSubscriptions(ctx, &ua.DeleteSubscriptionsRequest{SubscriptionIDs: []uint32{sub.SubscriptionID}})
	require.NoError(t, err)
	require.Len(t, del.Results, 1)
	assert.Equal(t, ua.Good, del.Results[0])

	assert.NoError(t, conn.Close(ctx))
}
