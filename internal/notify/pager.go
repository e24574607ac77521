package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
)

const defaultEventsURL = "https://events.pagerduty.com/v2/enqueue"

// Pager triggers PagerDuty incidents, one per routing key.
type Pager struct {
	URL    string
	HTTP   *http.Client
	Logger *zap.Logger
}

func NewPager(url string, timeout time.Duration, logger *zap.Logger) *Pager {
	if url == "" {
		url = defaultEventsURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{URL: url, HTTP: &http.Client{Timeout: timeout}, Logger: logger}
}

type pagerEvent struct {
	RoutingKey  string       `json:"routing_key"`
	EventAction string       `json:"event_action"`
	DedupKey    string       `json:"dedup_key,omitempty"`
	Payload     pagerPayload `json:"payload"`
}

type pagerPayload struct {
	Summary       string `json:"summary"`
	Source        string `json:"source"`
	Severity      string `json:"severity"`
	CustomDetails any    `json:"custom_details,omitempty"`
}

// SendPager triggers an incident on every key. It returns false if any key failed.
func (p *Pager) SendPager(ctx context.Context, owner string, keys []string, reports []model.AnomalyReport) bool {
	if len(keys) == 0 {
		p.Logger.Info("pager skipped, no routing keys", zap.String("owner", owner))
		return false
	}
	ok := true
	for _, key := range keys {
		if err := p.trigger(ctx, key, owner, reports); err != nil {
			p.Logger.Error("error sending pager", zap.String("owner", owner), zap.Error(err))
			metrics.Notifications.WithLabelValues("pager", "error").Inc()
			ok = false
			continue
		}
		metrics.Notifications.WithLabelValues("pager", "ok").Inc()
	}
	return ok
}

func (p *Pager) trigger(ctx context.Context, key, owner string, reports []model.AnomalyReport) error {
	event := pagerEvent{
		RoutingKey:  key,
		EventAction: "trigger",
		Payload: pagerPayload{
			Summary:       Subject(reports),
			Source:        "sherlock/" + owner,
			Severity:      "error",
			CustomDetails: reports,
		},
	}
	if len(reports) > 0 {
		event.DedupKey = fmt.Sprintf("sherlock-%d-%d", reports[0].JobID, reports[0].ReportQueryEnd)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("pagerduty status %d", resp.StatusCode)
	}
	return nil
}
