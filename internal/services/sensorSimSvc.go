package services

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/amine-amaach/opcua-bridge/internal/component"
	"github.com/amine-amaach/opcua-bridge/internal/simulators"
	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SetpointNode is the writable variable of the simulation server.
const SetpointNode = "Setpoint"

var defaultSensors = []component.IoTSensor{
	{SensorId: "Temperature", Mean: 50, Std: 2, DelayMin: 1, DelayMax: 3, Randomize: true},
	{SensorId: "Pressure", Mean: 80, Std: 3, DelayMin: 1, DelayMax: 3, Randomize: true},
	{SensorId: "Humidity", Mean: 40, Std: 3, DelayMin: 1, DelayMax: 3, Randomize: true},
}

// SensorSimSvc publishes simulated sensor readings and a writable setpoint
// on a UaSrvSvc.
type SensorSimSvc struct {
	srv *UaSrvSvc
	log *zap.SugaredLogger
	gen map[string]*simulators.IoTSensorSim

	nodes map[string]*server.VariableNode
	wg    sync.WaitGroup

	mu       sync.Mutex
	setpoint float64
}

func NewSensorSimSvc(cfg component.Simulator, log *zap.SugaredLogger) (*SensorSimSvc, error) {
	srv, err := NewUaSrvSvc(cfg, log)
	if err != nil {
		return nil, err
	}
	s := &SensorSimSvc{
		srv:   srv,
		log:   log,
		gen:   make(map[string]*simulators.IoTSensorSim),
		nodes: make(map[string]*server.VariableNode),
	}

	sensors := cfg.Sensors
	if len(sensors) == 0 {
		log.Infow("No sensors configured, using the default set 🔔")
		sensors = defaultSensors
	}
	for _, p := range sensors {
		if _, dup := s.nodes[p.SensorId]; dup || p.SensorId == SetpointNode || p.SensorId == "" {
			return nil, errors.Errorf("invalid or duplicate sensor %q", p.SensorId)
		}
		gen := simulators.NewIoTSensorSim(p.SensorId, p.Mean, p.Std,
			time.Duration(p.DelayMin)*time.Second, time.Duration(p.DelayMax)*time.Second, p.Randomize)
		node, err := srv.AddDouble(p.SensorId, gen.NextValue(), nil)
		if err != nil {
			return nil, err
		}
		s.gen[p.SensorId] = gen
		s.nodes[p.SensorId] = node
		log.Infow("IoT Sensor config found ⚙️", "Sensor Id", p.SensorId, "Mean", p.Mean)
	}

	if _, err := srv.AddDouble(SetpointNode, 0, s.writeSetpoint); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SensorSimSvc) Server() *UaSrvSvc { return s.srv }

// writeSetpoint rejects values that are not finite.
func (s *SensorSimSvc) writeSetpoint(v float64) ua.StatusCode {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ua.BadOutOfRange
	}
	s.mu.Lock()
	s.setpoint = v
	s.mu.Unlock()
	s.log.Infow("Setpoint written ✅", "Value", v)
	return ua.Good
}

// Setpoint returns the last value written by a client.
func (s *SensorSimSvc) Setpoint() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setpoint
}

// Sensors returns the sensor names in order.
func (s *SensorSimSvc) Sensors() []string {
	names := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run starts the generators and copies their readings into the variables
// until ctx is done.
func (s *SensorSimSvc) Run(ctx context.Context) {
	for _, name := range s.Sensors() {
		gen, node := s.gen[name], s.nodes[name]
		gen.Run(ctx, s.log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case v := <-gen.SensorData:
					t := time.Now().UTC()
					node.SetValue(ua.NewDataValue(v, ua.Good, t, 0, t, 0))
				}
			}
		}()
		s.log.Infow("🏷️  Publishing IoT sensor data ...", "Sensor Id", name)
	}
}

// ListenAndServe blocks until Close.
func (s *SensorSimSvc) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Close stops the server. The publishers stop with the context given to Run.
func (s *SensorSimSvc) Close() error {
	err := s.srv.Close()
	s.wg.Wait()
	return err
}
