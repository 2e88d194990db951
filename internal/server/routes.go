package server

import "net/http"

// setupRoutes wires the HTTP surface. Handlers enforce their own method
// checks; the WebSocket route skips the logging wrapper so the hijacked
// connection is not wrapped mid-upgrade.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/health", s.withMiddleware(s.app.APIHandler.HandleHealth))
	s.router.HandleFunc("/api/version", s.withMiddleware(s.app.APIHandler.HandleVersion))

	s.router.HandleFunc("/api/jobs", s.withMiddleware(s.app.JobHandler.HandleSubmit))
	s.router.HandleFunc("/api/jobs/", s.withMiddleware(s.app.JobHandler.HandleGet))

	s.router.HandleFunc("/ws/jobs/", s.withWebSocketMiddleware(s.app.WSHandler.HandleJobSocket))

	s.router.HandleFunc("/", s.withMiddleware(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
}
