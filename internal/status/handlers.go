package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scalestack/internal/orchestrator"
	"scalestack/internal/services"
	"scalestack/internal/services/profile"
)

// Source is the instance the server reports on.
type Source interface {
	Ready() bool
	Status() orchestrator.Status
	ServiceData(name string) (map[string]any, bool)
}

// Response wraps every JSON body served by the status server.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type handler struct {
	src       Source
	startTime time.Time
}

func newHandler(src Source) *handler {
	return &handler{src: src, startTime: time.Now()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func healthy(data any) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthy(msg string, data any) Response {
	return Response{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: msg, Data: data}
}

func (h *handler) liveness(w http.ResponseWriter, _ *http.Request) {
	st := h.src.Status()
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, healthy(map[string]any{
		"nodeId":     st.NodeID,
		"phase":      st.Phase,
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
	}))
}

func (h *handler) readiness(w http.ResponseWriter, _ *http.Request) {
	if h.src.Ready() {
		writeJSON(w, http.StatusOK, healthy(nil))
		return
	}

	st := h.src.Status()
	notRunning := map[string]services.State{}
	for _, snap := range st.Services {
		if snap.State != services.StateRunning {
			notRunning[snap.Name] = snap.State
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, unhealthy(
		fmt.Sprintf("phase %s", st.Phase),
		map[string]any{"notRunning": notRunning},
	))
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}

// profile prints the recent entries of the profile service, one per line,
// when the request path is the one the service was configured with.
func (h *handler) profile(w http.ResponseWriter, r *http.Request) {
	data, ok := h.src.ServiceData(profile.Name)
	if !ok || data["path"] != r.URL.Path {
		http.NotFound(w, r)
		return
	}
	recent, _ := data["recent"].([]string)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if len(recent) > 0 {
		_, _ = fmt.Fprintln(w, strings.Join(recent, "\n"))
	}
}
