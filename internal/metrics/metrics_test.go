package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marybot/internal/dispatch"
	"marybot/internal/notification"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rr.Code)
	}
	b, _ := io.ReadAll(rr.Body)
	return string(b)
}

func TestStatsAreExported(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.DispatchSettled(notification.TypeLevelUp, dispatch.OutcomeSettled, 120*time.Millisecond)
	m.DeliveryAttempt("discord", false)
	m.DeliveryAttempt("database", true)
	m.RecordsSettled(7, 1)
	m.BatchFailed()
	m.SetQueueDepth(3)

	out := scrape(t, m)
	for _, want := range []string{
		`marybot_dispatches_total{outcome="settled",type="level_up"} 1`,
		`marybot_delivery_attempts_total{channel="discord",outcome="error"} 1`,
		`marybot_delivery_attempts_total{channel="database",outcome="ok"} 1`,
		`marybot_records_total{result="sent"} 7`,
		`marybot_records_total{result="failed"} 1`,
		`marybot_batch_failures_total 1`,
		`marybot_host_queue_depth 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in scrape output:\n%s", want, out)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.BatchFailed()
	if strings.Contains(scrape(t, b), "marybot_batch_failures_total 1") {
		t.Fatal("metrics leaked across registries")
	}
}

func TestMiddlewareCountsRequests(t *testing.T) {
	m := New(prometheus.NewRegistry())
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if out := scrape(t, m); !strings.Contains(out, `marybot_http_requests_total{method="GET",path="/healthz",status="418"} 1`) {
		t.Fatalf("request not counted:\n%s", out)
	}
}
