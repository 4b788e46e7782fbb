package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/ports"
	"github.com/amine-amaach/opcua-bridge/internal/services"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachable never connects.
type unreachable struct{}

func (unreachable) Dial(context.Context, string, ports.DialOptions) (ports.UaConnPort, error) {
	return nil, errors.New("connection refused")
}

func newTestShell(t *testing.T) (*Shell, *services.BridgeSvc) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	b := services.NewBridgeSvc(component.NewDefaults(), unreachable{}, logger, nil)
	b.AddSink(services.NewLogSinkSvc(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return NewShell(b, logger), b
}

func TestShellCreateAndShow(t *testing.T) {
	sh, b := newTestShell(t)

	assert.Equal(t, "session plc created for opc.tcp://localhost:4840\n",
		sh.Exec("create-session plc opc.tcp://localhost:4840 nodes-max=20 --user operator --password secret"))
	assert.Equal(t, "subscription fast created on plc\n", sh.Exec("create-subscription fast plc 250 5"))

	sub, ok := b.Subscription("fast")
	require.True(t, ok)
	assert.Equal(t, 250.0, sub.PublishingInterval())

	out := sh.Exec("show * 1")
	assert.Contains(t, out, "session=plc")
	assert.Contains(t, out, "max=20")
	assert.Contains(t, out, "subscription=fast not created interval=250 priority=5")
	assert.Contains(t, out, "total: sessions=1")
}

func TestShellOptionsAndDebug(t *testing.T) {
	sh, _ := newTestShell(t)
	sh.Exec("create-session plc opc.tcp://localhost:4840")
	sh.Exec("create-subscription fast plc 100")

	assert.Equal(t, "options set on 2 target(s)\n", sh.Exec("set-option * debug=1"))
	assert.Equal(t, "options set on 1 target(s)\n", sh.Exec("set-option plc read-timeout-max 50"))
	assert.Equal(t, "debug level 3 set on 1 target(s)\n", sh.Exec("debug-level fast 3"))
	assert.True(t, strings.HasPrefix(sh.Exec("set-option plc nodes-max=x"), "error: "))
	assert.True(t, strings.HasPrefix(sh.Exec("debug-level plc high"), "error: "))
}

func TestShellErrorsAsText(t *testing.T) {
	sh, _ := newTestShell(t)

	assert.Contains(t, sh.Exec("create-session plc http://localhost"), "error: ")
	assert.Contains(t, sh.Exec("create-subscription fast nowhere 100"), "unknown session")
	assert.Contains(t, sh.Exec("frobnicate"), "error: unknown command")
	assert.Contains(t, sh.Exec("connect"), "error: ")
	assert.Contains(t, sh.Exec("write nothing 1"), "unknown binding")
	assert.Contains(t, sh.Exec("show * loud"), "invalid option")
	assert.Equal(t, "", sh.Exec("   "))
	assert.Equal(t, "", sh.Exec("# comment"))
}

func TestShellWriteBeforeFirstRead(t *testing.T) {
	sh, b := newTestShell(t)
	sh.Exec("create-session plc opc.tcp://localhost:4840")
	_, err := b.AddItem(component.Item{Name: "setpoint", Session: "plc", Namespace: 2, Identifier: "Setpoint"})
	require.NoError(t, err)
	_, err = b.AddBinding(component.Binding{Name: "setpoint", Item: "setpoint", Output: true})
	require.NoError(t, err)

	// nothing read yet, so there is no type to convert to
	assert.Contains(t, sh.Exec("write setpoint 12.5"), "no value received yet")
}

func TestShellConnectDisconnect(t *testing.T) {
	sh, _ := newTestShell(t)
	sh.Exec("create-session plc1 opc.tcp://localhost:4840")
	sh.Exec("create-session plc2 opc.tcp://localhost:4841")

	assert.Equal(t, "connecting 2 session(s)\n", sh.Exec("connect plc*"))
	assert.Equal(t, "disconnected 1 session(s)\n", sh.Exec("disconnect plc2"))
	assert.Contains(t, sh.Exec("show plc2"), "state=disconnected")
}

func TestShellRun(t *testing.T) {
	sh, _ := newTestShell(t)
	in := strings.NewReader("create-session plc opc.tcp://localhost:4840\nexit\nshow\n")
	var out bytes.Buffer
	sh.Run(context.Background(), in, &out)

	assert.Equal(t, prompt+"session plc created for opc.tcp://localhost:4840\n"+prompt, out.String())
}
