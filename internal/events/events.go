// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/model"
)

// Type names a lifecycle event.
type Type string

const (
	JobSubmitted    Type = "job.submitted"
	JobStarted      Type = "job.started"
	JobRowCompleted Type = "job.row_completed"
	JobFinished     Type = "job.finished"
)

// Event is the JSON payload written for every lifecycle change.
type Event struct {
	Type       Type              `json:"type"`
	JobID      string            `json:"job_id"`
	UserID     string            `json:"user_id,omitempty"`
	Status     model.JobStatus   `json:"status,omitempty"`
	StopReason *model.StopReason `json:"stop_reason,omitempty"`
	RowIndex   *int              `json:"row_index,omitempty"`
	Processed  int               `json:"processed_companies"`
	Total      int               `json:"total_companies"`
	Found      int               `json:"decision_makers_found"`
	Credits    int               `json:"credits_spent"`
	At         time.Time         `json:"at"`
}

// FromJob builds an event carrying the job's current counters.
func FromJob(t Type, job *model.Job, at time.Time) Event {
	return Event{
		Type:       t,
		JobID:      job.ID,
		UserID:     job.UserID,
		Status:     job.Status,
		StopReason: job.StopReason,
		Processed:  job.ProcessedCompanies,
		Total:      job.TotalCompanies,
		Found:      job.DecisionMakersFound,
		Credits:    job.CreditsSpent,
		At:         at,
	}
}

// Publisher delivers lifecycle events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by job id, so a job's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for the comma-separated brokers.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, eris.New("events: no kafka brokers configured")
	}
	if topic == "" {
		return nil, eris.New("events: kafka topic is required")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(addrs...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
		topic: topic,
	}, nil
}

// NewKafkaPublisherWithWriter builds a publisher around a custom writer.
func NewKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "events: marshal")
	}
	msg := kafka.Message{
		Key:   []byte(e.JobID),
		Value: payload,
		Time:  e.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "events: publish %s", e.Type)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		zap.L().Warn("events: publish failed",
			zap.String("type", string(e.Type)),
			zap.String("job_id", e.JobID),
			zap.Error(err),
		)
	}
}
