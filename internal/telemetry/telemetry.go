// Package telemetry republishes the bus's egress state block over MQTT so
// external, out-of-process collaborators can observe axis state without
// linking this module's Go types. It is optional, off by default, and
// never allowed to slow the control loop: every publish is fire-and-forget.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"ectrl/internal/bus"
	"ectrl/internal/units"
)

// Config configures the optional publisher. A zero Config with
// Enabled==false does nothing.
type Config struct {
	Enabled         bool
	BrokerURL       string
	ClientID        string
	Username        string
	Password        string
	TopicBase       string        // e.g. "ectrl/<device>/axis"
	MaxRate         float64       // messages per second across the whole publisher, <=0 means no cap
	PublishInterval time.Duration // polling period for the bus state snapshot
}

// AxisSnapshot is the JSON payload published per axis, retained, one topic
// per slave (grounded on Sioux-Steel-Solutions-raptor-core's Snapshot
// struct and its flat per-device fields).
type AxisSnapshot struct {
	Slave        int     `json:"slave"`
	Axis         string  `json:"axis"`
	StatusWord   uint16  `json:"status_word"`
	Moving       bool    `json:"is_moving"`
	PositionMM   float64 `json:"current_position_mm"`
	ActualPulses int64   `json:"actual_pulses"`
	HasSyncError bool    `json:"has_sync_error"`
	TS           string  `json:"ts"`
}

// Publisher polls a *bus.Bus on an interval and republishes its state
// block as retained MQTT messages, one topic per slave.
type Publisher struct {
	cfg     Config
	client  mqtt.Client
	logger  *log.Logger
	limiter *rate.Limiter
}

// New connects to the configured broker. It returns a nil *Publisher and
// nil error when cfg.Enabled is false, so callers can unconditionally
// defer Close without a nil check.
func New(cfg Config, logger *log.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 2 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect: %w", tok.Error())
	}

	limit := rate.Inf
	if cfg.MaxRate > 0 {
		limit = rate.Limit(cfg.MaxRate)
	}

	return &Publisher{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Run polls b.State() every PublishInterval and publishes one retained
// message per slave until ctx is cancelled. It never returns an error:
// publish failures are logged and skipped rather than torn down.
func (p *Publisher) Run(ctx context.Context, b *bus.Bus) {
	if p == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce(b)
		}
	}
}

func (p *Publisher) publishOnce(b *bus.Bus) {
	states := b.State()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, s := range states {
		if err := p.limiter.Wait(context.Background()); err != nil {
			return
		}
		snap := AxisSnapshot{
			Slave:        i,
			Axis:         s.Axis.String(),
			StatusWord:   s.StatusWord,
			Moving:       s.Moving,
			PositionMM:   units.PulsesToMM(s.ActualPulses-s.Offset, s.Axis),
			ActualPulses: s.ActualPulses,
			HasSyncError: s.SyncError,
			TS:           now,
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			p.logger.Printf("telemetry: marshal axis %d: %v", i, err)
			continue
		}
		topic := fmt.Sprintf("%s/%d", p.cfg.TopicBase, i)
		p.client.Publish(topic, 1, true, payload)
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}
