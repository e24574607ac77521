package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/metamx/sherlock/internal/model"
)

const (
	SubjectJobCreated  = "job.created"
	SubjectJobUpdated  = "job.updated"
	SubjectJobEnabled  = "job.enabled"
	SubjectJobDisabled = "job.disabled"
	SubjectJobDeleted  = "job.deleted"

	DefaultReportSubject = "anomaly.reports"
)

// JobSubjects lists every job lifecycle subject the worker listens on.
var JobSubjects = []string{SubjectJobCreated, SubjectJobUpdated, SubjectJobEnabled, SubjectJobDisabled, SubjectJobDeleted}

type Subscriber struct {
	Conn *nats.Conn
}

type Event struct {
	JobID int `json:"job_id"`
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("sherlock-worker"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		_ = s.Conn.Drain()
		s.Conn.Close()
	}
}

func (s *Subscriber) Subscribe(subject string, handler func(Event)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt Event
		_ = json.Unmarshal(msg.Data, &evt)
		handler(evt)
	})
}

// ReportBatch is the payload published after every execution.
type ReportBatch struct {
	JobID       int                   `json:"job_id"`
	PublishedAt time.Time             `json:"published_at"`
	Reports     []model.AnomalyReport `json:"reports"`
}

func encodeReports(jobID int, reports []model.AnomalyReport, now time.Time) ([]byte, error) {
	return json.Marshal(ReportBatch{JobID: jobID, PublishedAt: now.UTC(), Reports: reports})
}

// NATSPublisher publishes report batches on a NATS subject.
type NATSPublisher struct {
	Conn    *nats.Conn
	Subject string
}

func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultReportSubject
	}
	return &NATSPublisher{Conn: conn, Subject: subject}
}

func (p *NATSPublisher) PublishReports(ctx context.Context, jobID int, reports []model.AnomalyReport) error {
	data, err := encodeReports(jobID, reports, time.Now())
	if err != nil {
		return err
	}
	return p.Conn.Publish(p.Subject, data)
}
