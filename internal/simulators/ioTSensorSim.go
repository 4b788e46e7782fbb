// Package simulators generates sensor readings for the simulation server.
package simulators

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IoTSensorSim is a random walk around a mean value. Readings are pushed on
// SensorData at a fixed or random interval while Run is active.
type IoTSensorSim struct {
	SensorId   string
	SensorData chan float64

	delayMin  time.Duration
	delayMax  time.Duration
	randomize bool

	mu      sync.Mutex
	mean    float64
	std     float64
	value   float64
	running bool
	rnd     *rand.Rand
}

func NewIoTSensorSim(
	id string,
	mean float64,
	std float64,
	delayMin time.Duration,
	delayMax time.Duration,
	randomize bool,
) *IoTSensorSim {
	if delayMin <= 0 {
		delayMin = time.Second
	}
	delayMax = max(delayMax, delayMin)
	s := &IoTSensorSim{
		SensorId:   id,
		SensorData: make(chan float64, 1),
		delayMin:   delayMin,
		delayMax:   delayMax,
		randomize:  randomize,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.reset(mean, std)
	return s
}

func (s *IoTSensorSim) reset(mean, std float64) {
	s.mean = mean
	s.std = math.Abs(std)
	s.value = mean - s.rnd.Float64()
}

// NextValue moves the walk one step of at most a tenth of the standard
// deviation. The further the value drifts from the mean, the likelier the
// step points back to it.
func (s *IoTSensorSim) NextValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.rnd.Float64() * s.std / 10
	away := -1.0
	if s.value > s.mean {
		away = 1
	}
	// 50/50 at the mean, the divisor 50 is empirical
	keep := s.std/2 - math.Abs(s.value-s.mean)/50
	if s.std*s.rnd.Float64() >= keep {
		away = -away
	}
	s.value += step * away
	return s.value
}

// UpdateSensorParams restarts the walk around a new mean.
func (s *IoTSensorSim) UpdateSensorParams(mean, std float64) {
	s.mu.Lock()
	s.reset(mean, std)
	s.mu.Unlock()
}

func (s *IoTSensorSim) nextDelay() time.Duration {
	if !s.randomize || s.delayMax == s.delayMin {
		return s.delayMin
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayMin + time.Duration(s.rnd.Int63n(int64(s.delayMax-s.delayMin)))
}

// Run produces readings until ctx is done. A second call while running is a
// no-op. A reading nobody took yet is replaced by the newer one.
func (s *IoTSensorSim) Run(ctx context.Context, log *zap.SugaredLogger) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Debugw("Already running 🔔", "Sensor Id", s.SensorId)
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		log.Debugw("Started running 🔔", "Sensor Id", s.SensorId)
		timer := time.NewTimer(0)
		defer func() {
			timer.Stop()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			log.Debugw("Got shutdown signal 🔔", "Sensor Id", s.SensorId)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				s.publish(s.NextValue())
				timer.Reset(s.nextDelay())
			}
		}
	}()
}

func (s *IoTSensorSim) publish(v float64) {
	for {
		select {
		case s.SensorData <- v:
			return
		default:
		}
		select {
		case <-s.SensorData:
		default:
		}
	}
}

func (s *IoTSensorSim) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
