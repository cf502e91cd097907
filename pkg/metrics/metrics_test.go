package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Chunk("assembled")
	c.LLMCall("extract", nil, time.Second)
	c.Query("vector-only", false, time.Millisecond)
	c.CommunityRun(errors.New("boom"), 0)
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")
	c.Chunk("assembled")
	c.Chunk("assembled")
	c.Chunk("extraction_failed")
	c.LLMCall("extract", errors.New("timeout"), time.Second)
	c.Merged(3)
	c.CommunityRun(nil, 7)

	if got := testutil.ToFloat64(c.chunksTotal.WithLabelValues("assembled")); got != 2 {
		t.Fatalf("assembled chunks = %v", got)
	}
	if got := testutil.ToFloat64(c.llmRequestsTotal.WithLabelValues("extract", "error")); got != 1 {
		t.Fatalf("failed llm calls = %v", got)
	}
	if got := testutil.ToFloat64(c.mergesTotal); got != 3 {
		t.Fatalf("merges = %v", got)
	}
	if got := testutil.ToFloat64(c.communities); got != 7 {
		t.Fatalf("communities gauge = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("test")
	c.Query("community", true, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `test_queries_total{context="found",mode="community"} 1`) {
		t.Fatalf("query counter missing from output:\n%s", body)
	}
}
