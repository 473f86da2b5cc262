package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/dispatcher/internal/models"
	"fleet-dispatch-dashboard/dispatcher/internal/poller"
	"fleet-dispatch-dashboard/shared/cachex"
	"fleet-dispatch-dashboard/shared/events"
	"fleet-dispatch-dashboard/shared/logx"
	"fleet-dispatch-dashboard/shared/metricsx"
	"fleet-dispatch-dashboard/shared/mqx"
)

const source = "dispatcher"

const defaultExportTimeout = 5 * time.Second

// Sink receives alert envelopes outside the hub lock. Export is called
// once per tick with every alert that tick produced.
type Sink interface {
	Name() string
	Export(ctx context.Context, envs []events.Envelope) error
	Close() error
}

// KafkaSink writes alerts to a topic keyed by device number so one
// device's alerts stay ordered within a partition.
type KafkaSink struct {
	producer *mqx.Producer
}

func NewKafkaSink(p *mqx.Producer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Export(ctx context.Context, envs []events.Envelope) error {
	msgs := make([]mqx.Message, 0, len(envs))
	for _, env := range envs {
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		msgs = append(msgs, mqx.Message{
			Key:   []byte(env.DeviceID),
			Value: b,
			Headers: map[string]string{
				"event_type": env.EventType,
				"event_id":   env.EventID.String(),
			},
		})
	}
	return k.producer.Publish(ctx, msgs...)
}

func (k *KafkaSink) Close() error { return k.producer.Close() }

// RedisSink publishes alerts on a pub/sub channel.
type RedisSink struct {
	client  *cachex.Client
	channel string
}

func NewRedisSink(c *cachex.Client, channel string) *RedisSink {
	if channel == "" {
		channel = events.ChannelAlerts
	}
	return &RedisSink{client: c, channel: channel}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Export(ctx context.Context, envs []events.Envelope) error {
	payloads := make([][]byte, 0, len(envs))
	for _, env := range envs {
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		payloads = append(payloads, b)
	}
	return r.client.PublishAll(ctx, r.channel, payloads)
}

func (r *RedisSink) Close() error { return r.client.Close() }

// Fanout hands each tick's alerts to every sink. A failing sink is logged
// and counted; it never affects the tick or the other sinks.
type Fanout struct {
	sinks   []Sink
	log     logx.Logger
	timeout time.Duration
}

func NewFanout(log logx.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, log: log, timeout: defaultExportTimeout}
}

func (f *Fanout) Len() int { return len(f.sinks) }

// AfterApply adapts the fanout to the poller hook.
func (f *Fanout) AfterApply() poller.AfterApply {
	return func(ctx context.Context, job string, envs []broadcast.Envelope) {
		alerts := poller.AlertsIn(envs)
		if len(alerts) == 0 {
			return
		}
		f.Export(ctx, alerts)
	}
}

func (f *Fanout) Export(ctx context.Context, alerts []models.Alert) {
	if len(f.sinks) == 0 || len(alerts) == 0 {
		return
	}
	envs := make([]events.Envelope, 0, len(alerts))
	for _, a := range alerts {
		env, err := events.NewEnvelope(source, events.AlertNew, string(a.DeviceNumber), a.Timestamp, a)
		if err != nil {
			f.log.Error(ctx, "alert_encode_failed", "could not encode alert",
				slog.String("alert_id", a.ID),
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		envs = append(envs, env)
	}
	if len(envs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	for _, s := range f.sinks {
		if err := s.Export(ctx, envs); err != nil {
			metricsx.IncAlertExportFailure(s.Name())
			f.log.Warn(ctx, "alert_export_failed", "alert sink rejected batch",
				slog.String("sink", s.Name()),
				slog.Int("alerts", len(envs)),
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
