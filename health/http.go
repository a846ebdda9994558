package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Report is the JSON body of the readiness endpoint.
type Report struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckReport `json:"checks,omitempty"`
}

// CheckReport is one component of a Report.
type CheckReport struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration string         `json:"duration"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func newCheckReport(r Result) CheckReport {
	cr := CheckReport{
		Status:   r.Status.String(),
		Message:  r.Message,
		Duration: r.Duration.String(),
		Details:  r.Details,
	}
	if r.Error != nil {
		cr.Error = r.Error.Error()
	}
	return cr
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Liveness answers 200 while the process serves requests.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Readiness runs every check of agg and writes a Report.
func Readiness(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := agg.CheckAll(r.Context())
		status := Overall(results)
		report := Report{
			Status:    status.String(),
			Timestamp: time.Now().UTC(),
			Checks:    make(map[string]CheckReport, len(results)),
		}
		for name, res := range results {
			report.Checks[name] = newCheckReport(res)
		}
		writeJSON(w, statusCode(status), report)
	}
}

// Component runs the check named by the "name" URL parameter.
func Component(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := agg.Check(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, statusCode(res.Status), newCheckReport(res))
	}
}

// Routes serves /healthz, /readyz and /readyz/{name}.
func Routes(agg *Aggregator) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", Liveness)
	r.Get("/readyz", Readiness(agg))
	r.Get("/readyz/{name}", Component(agg))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
