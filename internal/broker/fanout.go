package broker

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/broker/internal/registry"
)

var (
	fanoutDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_fanout_delivered_total",
		Help: "Number of fan-out deliveries attempted, by outcome.",
	}, []string{"outcome"})

	fanoutSubscribersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_topic_subscribers",
		Help: "Live subscriber count per topic as tracked by the in-memory registry.",
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(fanoutDeliveredTotal, fanoutSubscribersGauge)
}

// Fanout is the fan-out engine (C5): it reads subscriber sets from the
// Registry and pushes serialized frames to each one, evicting any handle
// whose Send fails.
type Fanout struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// NewFanout creates a Fanout bound to the given registry.
func NewFanout(reg *registry.Registry, logger *slog.Logger) *Fanout {
	return &Fanout{registry: reg, logger: logger.With("component", "fanout")}
}

// Broadcast delivers frame to every handle currently subscribed to topic,
// except exclude (the publisher, which already received its own ack). A
// send failure to one subscriber does not abort delivery to the rest; the
// failed handle is detached from the registry.
func (f *Fanout) Broadcast(topic string, frame []byte, exclude registry.Handle) {
	targets := f.registry.Snapshot(topic)
	fanoutSubscribersGauge.WithLabelValues(topic).Set(float64(len(targets)))

	for _, h := range targets {
		if exclude != nil && h.ID() == exclude.ID() {
			continue
		}
		if err := h.Send(frame); err != nil {
			f.logger.Warn("fan-out send failed, evicting subscriber", "topic", topic, "connection_id", h.ID(), "error", err)
			f.registry.Detach(topic, h)
			fanoutDeliveredTotal.WithLabelValues("failed").Inc()
			continue
		}
		fanoutDeliveredTotal.WithLabelValues("delivered").Inc()
	}
}

// NotifyTopicDeleted evicts topic from the registry entirely, then sends
// the topic-deletion info frame to every handle that was subscribed to it.
// This runs from the admin bridge's delete-topic path, outside any
// WebSocket handler's goroutine.
func (f *Fanout) NotifyTopicDeleted(topic string) {
	frame := newInfoFrame(topic, "topic_deleted")

	targets := f.registry.EvictTopic(topic)
	for _, h := range targets {
		if err := h.Send(frame); err != nil {
			f.logger.Warn("topic-deletion notice send failed", "topic", topic, "connection_id", h.ID(), "error", err)
		}
	}
	fanoutSubscribersGauge.DeleteLabelValues(topic)
}
