// Package alert publishes operational alerts (audit loss, stuck requests) for on-call escalation.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kinds of operational alerts.
const (
	KindAuditWriteFailed = "audit_write_failed"
	KindSweepFailed      = "expiry_sweep_failed"
)

// Event is one alert. SubjectID is also the message key so that alerts for one
// consent request stay ordered within a partition.
type Event struct {
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subjectId,omitempty"`
	Action    string    `json:"action,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, e Event) error
}

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerter writes alerts as JSON messages to a topic.
type KafkaAlerter struct {
	w   Writer
	log *zap.Logger
	now func() time.Time
}

// NewKafkaAlerter connects to brokers lazily; the first write dials.
func NewKafkaAlerter(brokers []string, topic string, log *zap.Logger) *KafkaAlerter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}
	return NewKafkaAlerterWithWriter(w, log)
}

// NewKafkaAlerterWithWriter allows injecting a test writer.
func NewKafkaAlerterWithWriter(w Writer, log *zap.Logger) *KafkaAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaAlerter{w: w, log: log, now: time.Now}
}

// Alert publishes e. A zero At is stamped with the current time.
func (a *KafkaAlerter) Alert(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = a.now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(e.SubjectID), Value: b, Time: e.At}
	if err := a.w.WriteMessages(ctx, msg); err != nil {
		a.log.Error("alert publish failed", zap.String("kind", e.Kind), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (a *KafkaAlerter) Close() error { return a.w.Close() }

// LogAlerter only logs; used when no brokers are configured.
type LogAlerter struct{ log *zap.Logger }

// NewLogAlerter constructs a LogAlerter.
func NewLogAlerter(log *zap.Logger) *LogAlerter { return &LogAlerter{log: log} }

// Alert logs e at error level.
func (a *LogAlerter) Alert(_ context.Context, e Event) error {
	a.log.Error("operational alert",
		zap.String("kind", e.Kind),
		zap.String("subject", e.SubjectID),
		zap.String("action", e.Action),
		zap.String("message", e.Message))
	return nil
}
