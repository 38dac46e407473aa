package runtime

import (
	"net/http"

	"github.com/bytedance/sonic"
)

// registerStatusHandlers exposes the routes, guard counters and node status
// as JSON next to /metrics.
func (s *Service) registerStatusHandlers() {
	if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
		return
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/guard", http.HandlerFunc(s.handleGetGuard))
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/node", http.HandlerFunc(s.handleGetNode))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.Handlers())
}

func (s *Service) handleGetGuard(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.guardMetrics.GetSnapshot())
}

func (s *Service) handleGetNode(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.NodeStatus())
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
