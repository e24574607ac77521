package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
)

const defaultSendGridHost = "https://api.sendgrid.com"

// Emailer delivers anomaly reports through SendGrid.
type Emailer struct {
	APIKey   string
	From     string
	FromName string
	Host     string
	Logger   *zap.Logger
}

func NewEmailer(apiKey, from string, logger *zap.Logger) *Emailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emailer{APIKey: apiKey, From: from, FromName: "Sherlock", Host: defaultSendGridHost, Logger: logger}
}

// SendEmail mails reports to every address in to. It reports whether the
// provider accepted the message.
func (e *Emailer) SendEmail(ctx context.Context, owner string, to []string, reports []model.AnomalyReport) bool {
	if e.APIKey == "" || len(to) == 0 {
		e.Logger.Info("email skipped, missing api key or recipients", zap.String("owner", owner))
		return false
	}
	message := e.message(owner, to, reports)

	host := e.Host
	if host == "" {
		host = defaultSendGridHost
	}
	request := sendgrid.GetRequest(e.APIKey, "/v3/mail/send", host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)
	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		e.Logger.Error("error sending email", zap.Error(err))
		metrics.Notifications.WithLabelValues("email", "error").Inc()
		return false
	}
	if response.StatusCode >= 300 {
		e.Logger.Error("sendgrid rejected email", zap.Int("status", response.StatusCode), zap.String("body", response.Body))
		metrics.Notifications.WithLabelValues("email", "error").Inc()
		return false
	}
	metrics.Notifications.WithLabelValues("email", "ok").Inc()
	return true
}

func (e *Emailer) message(owner string, to []string, reports []model.AnomalyReport) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(e.FromName, e.From))
	m.Subject = Subject(reports)
	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail(owner, addr))
	}
	m.AddPersonalizations(p)
	m.AddContent(
		mail.NewContent("text/plain", PlainText(reports)),
		mail.NewContent("text/html", HTML(reports)),
	)
	return m
}

// Subject summarizes the worst status in reports.
func Subject(reports []model.AnomalyReport) string {
	anomalies := 0
	for _, r := range reports {
		if r.Status == model.StatusError {
			return fmt.Sprintf("[ERROR] Sherlock job %d failed", r.JobID)
		}
		if r.IsAnomaly() {
			anomalies++
		}
	}
	if anomalies == 0 {
		return "[Sherlock] no anomalies"
	}
	return fmt.Sprintf("[WARNING] Sherlock found %d anomalies", anomalies)
}

func PlainText(reports []model.AnomalyReport) string {
	var b strings.Builder
	for _, r := range reports {
		fmt.Fprintf(&b, "Job: %d\nStatus: %s\nReport time: %s\n", r.JobID, r.Status, reportTime(r))
		if r.ErrorDescription != "" {
			fmt.Fprintf(&b, "Error: %s\n", r.ErrorDescription)
		}
		if r.Anomaly != nil {
			fmt.Fprintf(&b, "Series: %s\n", r.Anomaly.SeriesID)
			for _, iv := range r.Anomaly.Intervals {
				fmt.Fprintf(&b, "  %s to %s (score %.2f)\n",
					time.Unix(iv.Start, 0).UTC().Format(time.RFC3339),
					time.Unix(iv.End, 0).UTC().Format(time.RFC3339),
					iv.Score)
			}
		}
		if r.QueryURL != "" {
			fmt.Fprintf(&b, "Query: %s\n", r.QueryURL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func HTML(reports []model.AnomalyReport) string {
	var b strings.Builder
	b.WriteString("<table><tr><th>Job</th><th>Status</th><th>Report time</th><th>Series</th><th>Intervals</th></tr>")
	for _, r := range reports {
		series, intervals := "", 0
		if r.Anomaly != nil {
			series = r.Anomaly.SeriesID
			intervals = len(r.Anomaly.Intervals)
		}
		fmt.Fprintf(&b, "<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td></tr>",
			r.JobID, r.Status, reportTime(r), html.EscapeString(series), intervals)
	}
	b.WriteString("</table>")
	return b.String()
}

func reportTime(r model.AnomalyReport) string {
	return time.Unix(r.ReportQueryEnd*60, 0).UTC().Format(time.RFC3339)
}
