package server

import "net/http"

// RegisterRoutes registers all API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/regions", s.handleRegions)
	mux.HandleFunc("GET /api/v1/instance-types", s.handleInstanceTypes)
	mux.HandleFunc("GET /api/v1/wans", s.handleWANs)
	mux.HandleFunc("GET /api/v1/hosts", s.handleHosts)
	mux.HandleFunc("GET /api/v1/rules", s.handleRules)
	mux.HandleFunc("GET /api/v1/groups", s.handleGroups)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("GET /api/v1/deployments", s.handleDeployments)
	mux.HandleFunc("GET /api/v1/notifications", s.handleNotifications)
	mux.HandleFunc("GET /api/v1/topology/export", s.handleExport)

	if !s.cfg.ReadOnly {
		mux.HandleFunc("POST /api/v1/groups/{id}/deploy", s.handleDeploy(false))
		mux.HandleFunc("POST /api/v1/groups/{id}/undeploy", s.handleDeploy(true))
		mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleDeleteRule)
		mux.HandleFunc("POST /api/v1/gather", s.handleGather)
	}
}
