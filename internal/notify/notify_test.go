package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/model"
)

func warningReport() model.AnomalyReport {
	return model.AnomalyReport{
		JobID:          4,
		Status:         model.StatusWarning,
		ReportQueryEnd: 26801280,
		Anomaly: &model.Anomaly{
			SeriesID:  "count|country=US",
			Intervals: []model.Interval{{Start: 1608076800, End: 1608076800, Score: 5.5}},
		},
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "[Sherlock] no anomalies", Subject([]model.AnomalyReport{{Status: model.StatusSuccess}}))
	assert.Equal(t, "[WARNING] Sherlock found 1 anomalies", Subject([]model.AnomalyReport{warningReport()}))
	assert.Equal(t, "[ERROR] Sherlock job 2 failed", Subject([]model.AnomalyReport{{JobID: 2, Status: model.StatusError}}))
}

func TestPlainTextListsIntervals(t *testing.T) {
	text := PlainText([]model.AnomalyReport{warningReport()})
	assert.Contains(t, text, "Series: count|country=US")
	assert.Contains(t, text, "2020-12-16T00:00:00Z")
	assert.Contains(t, text, "score 5.50")
	assert.Contains(t, HTML([]model.AnomalyReport{warningReport()}), "<td>count|country=US</td>")
}

func TestEmailerPostsToSendGrid(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewEmailer("key", "sherlock@example.com", zap.NewNop())
	e.Host = srv.URL
	ok := e.SendEmail(context.Background(), "alice", []string{"a@example.com", "b@example.com"}, []model.AnomalyReport{warningReport()})
	require.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "[WARNING] Sherlock found 1 anomalies", body["subject"])
	personalizations := body["personalizations"].([]any)
	require.Len(t, personalizations, 1)
	assert.Len(t, personalizations[0].(map[string]any)["to"], 2)
}

func TestEmailerReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewEmailer("bad", "sherlock@example.com", nil)
	e.Host = srv.URL
	assert.False(t, e.SendEmail(context.Background(), "alice", []string{"a@example.com"}, nil))
	assert.False(t, NewEmailer("", "x@example.com", nil).SendEmail(context.Background(), "alice", []string{"a@example.com"}, nil))
}

func TestPagerTriggersPerKey(t *testing.T) {
	var (
		mu     sync.Mutex
		events []pagerEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt pagerEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
		if evt.RoutingKey == "broken" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPager(srv.URL, 0, zap.NewNop())
	reports := []model.AnomalyReport{warningReport()}
	assert.True(t, p.SendPager(context.Background(), "alice", []string{"K1", "K2"}, reports))
	assert.False(t, p.SendPager(context.Background(), "alice", []string{"broken"}, reports))
	assert.False(t, p.SendPager(context.Background(), "alice", nil, reports))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "K1", events[0].RoutingKey)
	assert.Equal(t, "trigger", events[0].EventAction)
	assert.Equal(t, "sherlock-4-26801280", events[0].DedupKey)
	assert.Equal(t, "sherlock/alice", events[0].Payload.Source)
}
