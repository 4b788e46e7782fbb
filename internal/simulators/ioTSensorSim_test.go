package simulators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNextValueStaysNearMean(t *testing.T) {
	sim := NewIoTSensorSim("Temperature", 25, 2, 0, 0, false)
	for i := 0; i < 1000; i++ {
		v := sim.NextValue()
		assert.InDelta(t, 25, v, 20)
	}
}

func TestDelayBounds(t *testing.T) {
	sim := NewIoTSensorSim("Pressure", 100, 5, 0, 0, true)
	assert.Equal(t, time.Second, sim.nextDelay())

	sim = NewIoTSensorSim("Pressure", 100, 5, 20*time.Millisecond, 40*time.Millisecond, true)
	for i := 0; i < 100; i++ {
		d := sim.nextDelay()
		assert.GreaterOrEqual(t, d, 20*time.Millisecond)
		assert.Less(t, d, 40*time.Millisecond)
	}
}

func TestUpdateSensorParams(t *testing.T) {
	sim := NewIoTSensorSim("Humidity", 40, 3, 0, 0, false)
	sim.UpdateSensorParams(80, -4)
	assert.Equal(t, 4.0, sim.std)
	assert.InDelta(t, 80, sim.NextValue(), 2)
}

func TestRunEmitsUntilCancelled(t *testing.T) {
	log := zap.NewNop().Sugar()
	sim := NewIoTSensorSim("Temperature", 25, 2, 10*time.Millisecond, 10*time.Millisecond, false)
	ctx, cancel := context.WithCancel(context.Background())

	sim.Run(ctx, log)
	sim.Run(ctx, log)
	assert.True(t, sim.IsRunning())

	for i := 0; i < 3; i++ {
		select {
		case v := <-sim.SensorData:
			assert.InDelta(t, 25, v, 20)
		case <-time.After(time.Second):
			require.Fail(t, "no sensor value")
		}
	}

	cancel()
	require.Eventually(t, func() bool { return !sim.IsRunning() }, time.Second, 5*time.Millisecond)
}
