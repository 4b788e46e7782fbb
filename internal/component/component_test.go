package component

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	d := NewDefaults()
	assert.Equal(t, 5*time.Second, d.ConnectTimeout)
	assert.Equal(t, 100.0, d.PublishingInterval)
	assert.True(t, d.DiscardOldest)
}

func TestClientQueueSize(t *testing.T) {
	d := NewDefaults()
	assert.Equal(t, 3, d.ClientQueueSize(1))
	assert.Equal(t, 3, d.ClientQueueSize(2))
	assert.Equal(t, 15, d.ClientQueueSize(10))

	d.ClientQueueMin = 0
	d.ClientQueueFactor = 0
	assert.Equal(t, 1, d.ClientQueueSize(4))
}
