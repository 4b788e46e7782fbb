package ports

import (
	"context"

	"github.com/awcullen/opcua/ua"
)

// UaConnPort is the subset of OPC UA services the bridge uses on an
// established session.
type UaConnPort interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	RegisterNodes(ctx context.Context, req *ua.RegisterNodesRequest) (*ua.RegisterNodesResponse, error)
	CreateSubscription(ctx context.Context, req *ua.CreateSubscriptionRequest) (*ua.CreateSubscriptionResponse, error)
	CreateMonitoredItems(ctx context.Context, req *ua.CreateMonitoredItemsRequest) (*ua.CreateMonitoredItemsResponse, error)
	DeleteSubscriptions(ctx context.Context, req *ua.DeleteSubscriptionsRequest) (*ua.DeleteSubscriptionsResponse, error)
	Publish(ctx context.Context, req *ua.PublishRequest) (*ua.PublishResponse, error)
	Close(ctx context.Context) error
}

// DialOptions carries the per-session connection settings.
type DialOptions struct {
	User               string
	Password           string
	InsecureSkipVerify bool
}

// UaDialerPort opens sessions. Dial blocks until the session is activated
// or ctx is done.
type UaDialerPort interface {
	Dial(ctx context.Context, endpointURL string, opts DialOptions) (UaConnPort, error)
}
