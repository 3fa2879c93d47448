package device

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/models"
)

// SimulatorConfig configures the in-process controller
type SimulatorConfig struct {
	DeviceID            string
	Latency             time.Duration
	CalibrationDuration time.Duration
}

// Simulator stands in for the controller when no hardware is attached. It acts on
// commands after a fixed latency and pushes its resulting state to the sink.
// Dosing and calibration are refused while a calibration is running.
type Simulator struct {
	cfg    SimulatorConfig
	sink   ReadingSink
	logger zerolog.Logger
	now    func() time.Time

	mu               sync.Mutex
	misting          bool
	lastCycle        time.Time
	mistUntil        time.Time
	nutrientLevel    float64
	calibratingUntil time.Time
	lastSeen         time.Time
	started          time.Time
}

func NewSimulator(cfg SimulatorConfig, sink ReadingSink, logger zerolog.Logger) *Simulator {
	if cfg.DeviceID == "" {
		cfg.DeviceID = "simulator"
	}
	now := time.Now()
	return &Simulator{
		cfg:           cfg,
		sink:          sink,
		logger:        logger,
		now:           time.Now,
		misting:       true,
		lastCycle:     now.Add(-45 * time.Second),
		nutrientLevel: 78,
		started:       now,
	}
}

// Send decodes the command frame and acts on it
func (s *Simulator) Send(ctx context.Context, commandID string, frame []byte) (models.Ack, error) {
	msg, err := models.DecodeMessage(frame)
	if err != nil {
		return models.Ack{}, rejected("bad_frame", err.Error())
	}
	var cm models.CommandMessage
	if err := msg.UnmarshalPayload(&cm); err != nil {
		return models.Ack{}, rejected("bad_frame", err.Error())
	}

	if s.cfg.Latency > 0 {
		t := time.NewTimer(s.cfg.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return models.Ack{}, ctx.Err()
		}
	}

	s.logger.Info().Str("id", commandID).Str("command", string(cm.Command)).RawJSON("value", nonEmpty(cm.Value)).Msg("Simulated device received command")

	detail, err := s.apply(cm)
	if err != nil {
		return models.Ack{}, err
	}
	s.push()
	return models.Ack{CommandID: commandID, Detail: detail, ReceivedAt: s.now()}, nil
}

func (s *Simulator) apply(cm models.CommandMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lastSeen = now
	calibrating := now.Before(s.calibratingUntil)

	switch cm.Command {
	case models.CommandStopMisting:
		s.misting = false
		s.mistUntil = time.Time{}
		return "misting stopped", nil

	case models.CommandStartMisting:
		s.misting = true
		s.lastCycle = now
		if secs, ok := jsonNumber(cm.Value); ok {
			s.mistUntil = now.Add(time.Duration(secs * float64(time.Second)))
			return fmt.Sprintf("misting for %gs", secs), nil
		}
		return "misting started", nil

	case models.CommandDoseNutrient:
		if calibrating {
			return "", rejected("busy", "calibration in progress")
		}
		amount, ok := jsonNumber(cm.Value)
		if !ok {
			return "", rejected("bad_value", "dose amount missing")
		}
		s.nutrientLevel = math.Min(100, s.nutrientLevel+amount/100)
		return fmt.Sprintf("dosed %g PPM", amount), nil

	case models.CommandCalibrate:
		if calibrating {
			return "", rejected("busy", "calibration in progress")
		}
		s.calibratingUntil = now.Add(s.cfg.CalibrationDuration)
		return "calibration started", nil
	}
	return "", rejected("unknown_command", fmt.Sprintf("unknown command %q", cm.Command))
}

// Run pushes the simulator state to the sink every interval until ctx ends
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	s.push()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.push()
		}
	}
}

func (s *Simulator) push() {
	if s.sink == nil {
		return
	}
	s.sink.Update(s.snapshot())
}

func (s *Simulator) snapshot() models.ReadingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.mistUntil.IsZero() && now.After(s.mistUntil) {
		s.misting = false
		s.mistUntil = time.Time{}
	}
	next := s.lastCycle.Add(15 * time.Minute)
	for !next.After(now) {
		next = next.Add(15 * time.Minute)
	}

	return models.ReadingMessage{
		DeviceID:  s.cfg.DeviceID,
		Timestamp: now,
		Metrics: map[models.Metric]float64{
			models.MetricNutrientLevel: math.Round(s.nutrientLevel*10) / 10,
		},
		Misting: &models.MistingState{
			Active:    s.misting,
			LastCycle: strconv.Itoa(int(now.Sub(s.lastCycle).Seconds())) + "s",
			NextCycle: next.Format("15:04"),
		},
	}
}

// Status always reports the simulator as connected
func (s *Simulator) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Transport:   "simulated",
		Connected:   true,
		DeviceID:    s.cfg.DeviceID,
		Firmware:    "simulator",
		ConnectedAt: s.started,
		LastSeen:    s.lastSeen,
	}
}

func rejected(code, reason string) *models.Error {
	return &models.Error{
		Kind:    models.KindDeviceRejected,
		Message: "device rejected command " + code,
		Reason:  reason,
		Code:    code,
	}
}

// jsonNumber reads a JSON number. The gateway always sends validated numbers.
func jsonNumber(raw json.RawMessage) (float64, bool) {
	var f *float64
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return 0, false
	}
	return *f, true
}

func nonEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
