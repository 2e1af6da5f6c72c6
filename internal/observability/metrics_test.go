package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCounter_Concurrent(t *testing.T) {
	r := NewMetricsRegistry()
	c := r.NewCounter("test_total", "test counter")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}
	wg.Wait()

	if c.Value() != 50 {
		t.Fatalf("expected 50, got %f", c.Value())
	}
}

func TestHistogram_Buckets(t *testing.T) {
	r := NewMetricsRegistry()
	h := r.NewHistogram("latency_seconds", "latency", []float64{0.1, 1})

	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)

	var buf bytes.Buffer
	r.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		`latency_seconds_bucket{le="0.1"} 1`,
		`latency_seconds_bucket{le="1"} 2`,
		`latency_seconds_bucket{le="+Inf"} 3`,
		`latency_seconds_count 3`,
		`latency_seconds_sum 5.55`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if h.Count() != 3 {
		t.Errorf("expected count 3, got %d", h.Count())
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.FilesEmbedded.Add(3)
	m.RetrievalDuration.Observe(0.02)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("unexpected content type %q", w.Header().Get("Content-Type"))
	}
	body := w.Body.String()
	if !strings.Contains(body, "coderag_files_embedded_total 3") {
		t.Errorf("expected files embedded counter in output:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE coderag_retrieval_duration_seconds histogram") {
		t.Errorf("expected retrieval histogram in output")
	}
}

func TestDefault_Singleton(t *testing.T) {
	if Default() != Default() {
		t.Fatal("expected the same instance")
	}
}

func TestFormatFloat(t *testing.T) {
	tests := map[float64]string{
		0:     "0",
		3:     "3",
		0.25:  "0.25",
		5.55:  "5.55",
		-1.5:  "-1.5",
		1e-07: "1e-07",
		1e-4:  "0.0001",
		-2e-9: "-2e-09",
		1e21:  "1e+21",
		1e20:  "100000000000000000000",
	}
	for in, want := range tests {
		if got := formatFloat(in); got != want {
			t.Errorf("formatFloat(%v) = %q, want %q", in, got, want)
		}
	}
}
