package client

import (
	"context"
	"sync"
)

// MockClient is a configurable mock implementation of Client for use in tests.
// Without a configured function, GetNextBatchRange reports no more work and RunBatch succeeds.
type MockClient struct {
	mu sync.Mutex

	// PrepareBackfillFunc is called by PrepareBackfill if set.
	PrepareBackfillFunc func(ctx context.Context, req PrepareBackfillRequest) (PrepareBackfillResponse, error)

	// GetNextBatchRangeFunc is called by GetNextBatchRange if set.
	GetNextBatchRangeFunc func(ctx context.Context, req GetNextBatchRangeRequest) (GetNextBatchRangeResponse, error)

	// RunBatchFunc is called by RunBatch if set.
	RunBatchFunc func(ctx context.Context, req RunBatchRequest) (RunBatchResponse, error)

	// Call tracking
	PrepareBackfillCalls   []PrepareBackfillRequest
	GetNextBatchRangeCalls []GetNextBatchRangeRequest
	RunBatchCalls          []RunBatchRequest
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// PrepareBackfill implements Client.
func (m *MockClient) PrepareBackfill(ctx context.Context, req PrepareBackfillRequest) (PrepareBackfillResponse, error) {
	m.mu.Lock()
	m.PrepareBackfillCalls = append(m.PrepareBackfillCalls, req)
	m.mu.Unlock()

	if m.PrepareBackfillFunc != nil {
		return m.PrepareBackfillFunc(ctx, req)
	}

	return PrepareBackfillResponse{}, nil
}

// GetNextBatchRange implements Client.
func (m *MockClient) GetNextBatchRange(ctx context.Context, req GetNextBatchRangeRequest) (GetNextBatchRangeResponse, error) {
	m.mu.Lock()
	m.GetNextBatchRangeCalls = append(m.GetNextBatchRangeCalls, req)
	m.mu.Unlock()

	if m.GetNextBatchRangeFunc != nil {
		return m.GetNextBatchRangeFunc(ctx, req)
	}

	return GetNextBatchRangeResponse{}, nil
}

// RunBatch implements Client.
func (m *MockClient) RunBatch(ctx context.Context, req RunBatchRequest) (RunBatchResponse, error) {
	m.mu.Lock()
	m.RunBatchCalls = append(m.RunBatchCalls, req)
	m.mu.Unlock()

	if m.RunBatchFunc != nil {
		return m.RunBatchFunc(ctx, req)
	}

	return RunBatchResponse{}, nil
}

// RunBatchCallCount returns the number of RunBatch calls so far.
func (m *MockClient) RunBatchCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RunBatchCalls)
}

// GetNextBatchRangeCallsSnapshot returns a copy of the recorded GetNextBatchRange requests.
func (m *MockClient) GetNextBatchRangeCallsSnapshot() []GetNextBatchRangeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GetNextBatchRangeRequest(nil), m.GetNextBatchRangeCalls...)
}

// RunBatchCallsSnapshot returns a copy of the recorded RunBatch requests.
func (m *MockClient) RunBatchCallsSnapshot() []RunBatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RunBatchRequest(nil), m.RunBatchCalls...)
}

var _ Client = (*MockClient)(nil)
