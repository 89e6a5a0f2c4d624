package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRingDropsOldest(t *testing.T) {
	s := NewStore(3, 3)
	for i := 0; i < 5; i++ {
		s.RecordRequest(RequestLog{RequestID: fmt.Sprintf("r%d", i), Status: StatusSuccess})
	}

	logs := s.Requests()
	require.Len(t, logs, 3)
	assert.Equal(t, "r2", logs[0].RequestID)
	assert.Equal(t, "r4", logs[2].RequestID)
}

func TestStoreUsageAssignsIDs(t *testing.T) {
	s := NewStore(4, 4)
	s.RecordUsage(TokenUsageRecord{RequestID: "r1", InputTokens: 10, OutputTokens: 5, Source: SourceActual})

	usage := s.Usage()
	require.Len(t, usage, 1)
	assert.NotEmpty(t, usage[0].ID)
	assert.False(t, usage[0].Timestamp.IsZero())
}

func TestStoreConcurrentWriters(t *testing.T) {
	s := NewStore(64, 64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.RecordRequest(RequestLog{RequestID: fmt.Sprintf("w%d-%d", n, j), Status: StatusSuccess})
				s.RecordUsage(TokenUsageRecord{RequestID: "x", InputTokens: 1})
				_ = s.Requests()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.Requests(), 64)
}

func TestSummarize(t *testing.T) {
	s := NewStore(16, 16)
	s.RecordRequest(RequestLog{Status: StatusSuccess})
	s.RecordRequest(RequestLog{Status: StatusSuccess})
	s.RecordRequest(RequestLog{Status: StatusFailed})
	s.RecordRequest(RequestLog{Status: StatusTimeout})
	s.RecordRequest(RequestLog{Status: StatusCancelled})
	s.RecordUsage(TokenUsageRecord{InputTokens: 100, OutputTokens: 20})
	s.RecordUsage(TokenUsageRecord{InputTokens: 50, OutputTokens: 10})

	sum := s.Summarize()
	assert.Equal(t, 5, sum.TotalRequests)
	assert.Equal(t, 2, sum.Successes)
	assert.Equal(t, 1, sum.Failures)
	assert.Equal(t, 1, sum.Timeouts)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, int64(150), sum.TotalInputTokens)
	assert.Equal(t, int64(30), sum.TotalOutputTokens)
	assert.InDelta(t, 0.5, sum.ErrorRate, 0.001)
}

type fixedCircuits int

func (f fixedCircuits) NonHealthyProviders() int { return int(f) }

func TestRecentWindow(t *testing.T) {
	s := NewStore(32, 32)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	// outside the window
	s.RecordRequest(RequestLog{Status: StatusFailed, DurationMS: 900, Timestamp: now.Add(-2 * time.Minute)})

	for i, ms := range []int64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000} {
		status := StatusSuccess
		if i == 0 {
			status = StatusFailed
		}
		s.RecordRequest(RequestLog{Status: status, DurationMS: ms, Timestamp: now.Add(-time.Second)})
	}
	s.RecordRequest(RequestLog{Status: StatusRetrying, Timestamp: now.Add(-time.Second)})

	stats := s.Recent(time.Minute, fixedCircuits(2))
	assert.Equal(t, 11, stats.Requests)
	assert.Equal(t, 1, stats.Retrying)
	assert.Equal(t, 2, stats.OpenCircuits)
	assert.InDelta(t, 0.1, stats.ErrorRate, 0.001)
	assert.Equal(t, int64(1000), stats.P95LatencyMS)
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordRequest(true, false)
	mc.RecordRequest(false, true)
	mc.RecordRetry()
	mc.RecordTokens(100, 25)

	snap := mc.Snapshot()
	assert.Equal(t, int64(2), snap.Requests)
	assert.Equal(t, int64(1), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(1), snap.Streams)
	assert.Equal(t, int64(100), snap.InputTokens)
	assert.Equal(t, int64(25), snap.OutputTokens)
}

func TestEstimatorCountsSomething(t *testing.T) {
	e := NewEstimator()
	n := e.Count("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, int64(0))
	assert.Less(t, n, int64(20))
	assert.Equal(t, int64(0), e.Count(""))
}

func TestEstimateRequestCoversAllParts(t *testing.T) {
	e := NewEstimator()
	body := []byte(`{"system":"You are helpful.","messages":[` +
		`{"role":"user","content":"first question"},` +
		`{"role":"assistant","content":[{"type":"text","text":"an answer"}]}]}`)

	withSystem := e.EstimateRequest(body)
	withoutSystem := e.EstimateRequest([]byte(`{"messages":[{"role":"user","content":"first question"}]}`))
	assert.Greater(t, withSystem, withoutSystem)
}
