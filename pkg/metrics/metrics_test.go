package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New("sabt")

	m.RequestTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	m.RequestTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	m.RetryAttempts.WithLabelValues("export_query", "retry").Add(2)
	m.IdempotencyReplays.WithLabelValues().Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestTotal.WithLabelValues("GET", "/healthz", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetryAttempts.WithLabelValues("export_query", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdempotencyReplays.WithLabelValues()))
}

func TestNamespacePrefixesFamilies(t *testing.T) {
	m := New("tenant-a")
	m.ExportJobs.WithLabelValues("SUCCESS").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "tenant_a_export_jobs_total")
	assert.Contains(t, body, `status="SUCCESS"`)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestDistinctNamespacesDoNotCollide(t *testing.T) {
	a := New("alpha")
	b := New("alpha")

	a.ExportRows.WithLabelValues("csv").Add(5)
	b.ExportRows.WithLabelValues("csv").Add(7)

	assert.Equal(t, 5.0, testutil.ToFloat64(a.ExportRows.WithLabelValues("csv")))
	assert.Equal(t, 7.0, testutil.ToFloat64(b.ExportRows.WithLabelValues("csv")))
}

func TestResetZeroesEverything(t *testing.T) {
	m := New("sabt")
	m.DownloadSigned.WithLabelValues("issued").Inc()
	m.RetryBackoff.WithLabelValues("export_query").Observe(0.2)
	m.AllocationNoCandidate.WithLabelValues().Inc()

	m.Reset()

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	m.DownloadSigned.WithLabelValues("issued").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadSigned.WithLabelValues("issued")))
}

func TestHistogramObservations(t *testing.T) {
	m := New("sabt")
	m.ExporterDuration.WithLabelValues("query").Observe(0.3)
	m.ExporterDuration.WithLabelValues("write").Observe(1.2)

	count := testutil.CollectAndCount(m.ExporterDuration, "sabt_exporter_duration_seconds")
	assert.Equal(t, 2, count)
}

func TestSanitizeNamespace(t *testing.T) {
	cases := map[string]string{
		"sabt":      "sabt",
		"tenant-a":  "tenant_a",
		"9lives":    "_9lives",
		"a.b c":     "a_b_c",
		"UPPER_ok1": "UPPER_ok1",
		"":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeNamespace(in), "input %q", in)
	}
}
