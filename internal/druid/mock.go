package druid

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/metamx/sherlock/internal/model"
)

// MockClient serves canned responses and records calls.
type MockClient struct {
	mu          sync.Mutex
	Datasources []string
	Response    []byte
	Err         error
	QueryErr    error
	Queries     []json.RawMessage
	ListCalls   int
}

func (m *MockClient) ListDatasources(ctx context.Context, cluster model.Cluster) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]string{}, m.Datasources...), nil
}

func (m *MockClient) Query(ctx context.Context, cluster model.Cluster, body json.RawMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, body)
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	return m.Response, nil
}

func (m *MockClient) QueryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Queries)
}
