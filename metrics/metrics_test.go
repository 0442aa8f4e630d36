package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricName(t *testing.T) {
	var table = []struct {
		key, want string
	}{
		{"task.started", "task_started"},
		{"fetch.http-time", "fetch_http_time"},
		{"plain", "plain"},
	}
	for _, tab := range table {
		if got := metricName(tab.key); got != tab.want {
			t.Errorf("Received %s, expected %s", got, tab.want)
		}
	}
}

func TestBumps(t *testing.T) {
	c := NewCollector("bcat")
	c.BumpSum("task.started", 1)
	c.BumpSum("task.started", 2)
	c.BumpSum("task.started", -5)
	if v := testutil.ToFloat64(c.counters["task.started"]); v != 3 {
		t.Errorf("Received %v, expected 3", v)
	}

	c.BumpAvg("queue.length", 7)
	c.BumpAvg("queue.length", 4)
	if v := testutil.ToFloat64(c.gauges["queue.length"]); v != 4 {
		t.Errorf("Received %v, expected 4", v)
	}

	c.BumpHistogram("fetch.size", 100)
	c.BumpTime("task.step.time").End()
	n, err := testutil.GatherAndCount(c.registry, "bcat_fetch_size", "bcat_task_step_time_seconds")
	if err != nil || n != 2 {
		t.Errorf("Received %d metrics, %v, expected 2", n, err)
	}

	live := 5.0
	c.GaugeFunc("tasks.live", "Live tasks", func() float64 { return live })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"bcat_task_started_total 3",
		"bcat_queue_length_avg 4",
		"bcat_tasks_live 5",
		"bcat_task_step_time_seconds_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}
}
