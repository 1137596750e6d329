package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// adminRouter mirrors the shape of the admin API: a parameterised route, a
// failing route and the middleware mounted on the router.
func adminRouter(m *Metrics, seen *string) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/api/rules/{tone}", func(w http.ResponseWriter, r *http.Request) {
		*seen = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		traceparent string
		wantStatus  int
		wantSpan    string
		wantRoute   string
		wantError   bool
	}{
		{
			name:       "route pattern names span",
			path:       "/api/rules/formal",
			wantStatus: http.StatusOK,
			wantSpan:   "GET /api/rules/{tone}",
			wantRoute:  "/api/rules/{tone}",
		},
		{
			name:        "continues incoming trace",
			path:        "/api/rules/casual",
			traceparent: "00-" + incomingTraceID + "-00f067aa0ba902b7-01",
			wantStatus:  http.StatusOK,
			wantSpan:    "GET /api/rules/{tone}",
			wantRoute:   "/api/rules/{tone}",
		},
		{
			name:       "server error marks span",
			path:       "/api/stats",
			wantStatus: http.StatusInternalServerError,
			wantSpan:   "GET /api/stats",
			wantRoute:  "/api/stats",
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := installTracer(t)
			m, reader := newTestMetrics(t)
			var seen string

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.traceparent != "" {
				req.Header.Set("traceparent", tt.traceparent)
			}
			rec := httptest.NewRecorder()
			adminRouter(m, &seen).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			cid := rec.Header().Get(CorrelationHeader)
			if len(cid) != 32 {
				t.Errorf("%s = %q", CorrelationHeader, cid)
			}
			if tt.traceparent != "" && (cid != incomingTraceID || seen != incomingTraceID) {
				t.Errorf("trace id header = %q, handler saw %q, want %s", cid, seen, incomingTraceID)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("recorded %d spans, want 1", len(spans))
			}
			span := spans[0]
			if span.Name != tt.wantSpan {
				t.Errorf("span name = %q, want %q", span.Name, tt.wantSpan)
			}
			if got := span.Status.Code == codes.Error; got != tt.wantError {
				t.Errorf("span errored = %v, want %v", got, tt.wantError)
			}

			met := findMetric(collect(t, reader), "verbatim.http.request.duration")
			if met == nil {
				t.Fatal("duration histogram not recorded")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("histogram points = %+v", hist.DataPoints)
			}
			attrs := hist.DataPoints[0].Attributes
			if v, _ := attrs.Value("path"); v.AsString() != tt.wantRoute {
				t.Errorf("path label = %q, want %q", v.AsString(), tt.wantRoute)
			}
			if v, _ := attrs.Value("status"); v.AsInt64() != int64(tt.wantStatus) {
				t.Errorf("status label = %d, want %d", v.AsInt64(), tt.wantStatus)
			}
		})
	}
}

func TestResponseWriter(t *testing.T) {
	t.Parallel()

	inner := httptest.NewRecorder()
	w := &responseWriter{ResponseWriter: inner, status: http.StatusOK}
	if w.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped writer")
	}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("Hijack on a recorder succeeded")
	}
	w.WriteHeader(http.StatusTeapot)
	if w.status != http.StatusTeapot || inner.Code != http.StatusTeapot {
		t.Errorf("status = %d / %d", w.status, inner.Code)
	}
}

func TestInitProvider_ServesMetrics(t *testing.T) {
	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "\ngo_goroutines ") {
		t.Errorf("/metrics output lacks runtime collector:\n%.300s", body)
	}
}
