package druid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/metamx/sherlock/internal/metrics"
	"github.com/metamx/sherlock/internal/model"
)

// Client talks to a time-series store broker.
type Client interface {
	ListDatasources(ctx context.Context, cluster model.Cluster) ([]string, error)
	Query(ctx context.Context, cluster model.Cluster, body json.RawMessage) ([]byte, error)
}

type HTTPClient struct {
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// NewHTTPClient builds a client allowing qps requests per second; qps <= 0 disables throttling.
func NewHTTPClient(timeout time.Duration, qps float64, burst int) *HTTPClient {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if qps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
	return &HTTPClient{HTTP: &http.Client{Timeout: timeout}, Limiter: limiter}
}

func (c *HTTPClient) ListDatasources(ctx context.Context, cluster model.Cluster) ([]string, error) {
	body, err := c.do(ctx, cluster, http.MethodGet, cluster.DatasourcesURL(), nil)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, fmt.Errorf("decode datasources: %w", err)
	}
	return names, nil
}

func (c *HTTPClient) Query(ctx context.Context, cluster model.Cluster, body json.RawMessage) ([]byte, error) {
	return c.do(ctx, cluster, http.MethodPost, cluster.BrokerURL(), body)
}

func (c *HTTPClient) do(ctx context.Context, cluster model.Cluster, method, url string, payload []byte) (out []byte, err error) {
	defer func() {
		metrics.StoreQueries.WithLabelValues(strconv.Itoa(cluster.ID), metrics.Status(err)).Inc()
	}()
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store request to %s: %w", cluster.Name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store returned status %d: %s", e.Code, e.Body)
}
