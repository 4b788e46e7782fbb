// Package uaclient adapts the awcullen OPC UA client to the bridge ports.
package uaclient

import (
	"context"

	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/awcullen/opcua/client"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Dialer struct {
	Log *logrus.Logger
}

func NewDialer(log *logrus.Logger) *Dialer {
	return &Dialer{Log: log}
}

func (d *Dialer) Dial(ctx context.Context, endpointURL string, opts ports.DialOptions) (ports.UaConnPort, error) {
	var clientOpts []client.Option
	if opts.InsecureSkipVerify {
		clientOpts = append(clientOpts, client.WithInsecureSkipVerify())
	}
	if opts.User != "" {
		clientOpts = append(clientOpts, client.WithUserNameIdentity(opts.User, opts.Password))
	}

	d.Log.WithField("Endpoint", endpointURL).Debugln("Dialing OPC UA server 🔔")
	ch, err := client.Dial(ctx, endpointURL, clientOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpointURL)
	}
	return &conn{ch: ch}, nil
}

// conn forwards to *client.Client.
type conn struct {
	ch *client.Client
}

func (c *conn) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	return c.ch.Read(ctx, req)
}

func (c *conn) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	return c.ch.Write(ctx, req)
}

func (c *conn) RegisterNodes(ctx context.Context, req *ua.RegisterNodesRequest) (*ua.RegisterNodesResponse, error) {
	return c.ch.RegisterNodes(ctx, req)
}

func (c *conn) CreateSubscription(ctx context.Context, req *ua.CreateSubscriptionRequest) (*ua.CreateSubscriptionResponse, error) {
	return c.ch.CreateSubscription(ctx, req)
}

func (c *conn) CreateMonitoredItems(ctx context.Context, req *ua.CreateMonitoredItemsRequest) (*ua.CreateMonitoredItemsResponse, error) {
	return c.ch.CreateMonitoredItems(ctx, req)
}

func (c *conn) DeleteSubscriptions(ctx context.Context, req *ua.DeleteSubscriptionsRequest) (*ua.DeleteSubscriptionsResponse, error) {
	return c.ch.DeleteSubscriptions(ctx, req)
}

func (c *conn) Publish(ctx context.Context, req *ua.PublishRequest) (*ua.PublishResponse, error) {
	return c.ch.Publish(ctx, req)
}

// Close tries a graceful close first and aborts the channel if that fails.
func (c *conn) Close(ctx context.Context) error {
	if err := c.ch.Close(ctx); err != nil {
		_ = c.ch.Abort(ctx)
		return errors.Wrap(err, "close session")
	}
	return nil
}
