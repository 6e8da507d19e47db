package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/matijazezelj/tcpanel/internal/deploy"
	"github.com/matijazezelj/tcpanel/internal/store"
	"github.com/matijazezelj/tcpanel/internal/topology"
	"github.com/matijazezelj/tcpanel/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error, args ...any) {
	s.logger.Error(msg, append(args, "error", err)...)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

// initiator names the user acting through the API. The token identifies
// the client, not a person, so callers may name themselves.
func initiator(r *http.Request) string {
	if u := r.Header.Get("X-Tcpanel-User"); u != "" {
		return u
	}
	return "api"
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.repo.ListRegions(r.Context())
	if err != nil {
		s.internalError(w, "listing regions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(regions))
}

func (s *Server) handleInstanceTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.repo.ListInstanceTypes(r.Context())
	if err != nil {
		s.internalError(w, "listing instance types", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(types))
}

func (s *Server) handleWANs(w http.ResponseWriter, r *http.Request) {
	wans, err := s.repo.ListWANs(r.Context())
	if err != nil {
		s.internalError(w, "listing wans", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(wans))
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	var filter store.HostFilter
	if v := r.URL.Query().Get("region"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "region must be a numeric id")
			return
		}
		filter.RegionID = id
	}
	hosts, err := s.repo.ListHosts(r.Context(), filter)
	if err != nil {
		s.internalError(w, "listing hosts", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hosts))
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	var filter store.RuleFilter
	if v := r.URL.Query().Get("host"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "host must be a numeric id")
			return
		}
		filter.HostID = id
	}
	rules, err := s.repo.ListRules(r.Context(), filter)
	if err != nil {
		s.internalError(w, "listing rules", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(rules))
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.repo.ListRuleGroups(r.Context())
	if err != nil {
		s.internalError(w, "listing rule groups", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(groups))
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.repo.ListAudit(r.Context(), parseLimit(r))
	if err != nil {
		s.internalError(w, "listing audit", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.repo.ListDeployments(r.Context(), parseLimit(r))
	if err != nil {
		s.internalError(w, "listing deployments", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(deployments))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	notes, err := s.repo.ListNotifications(r.Context(), recipient, unread)
	if err != nil {
		s.internalError(w, "listing notifications", err, "recipient", recipient)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(notes))
}

type ruleResult struct {
	RuleID   int64    `json:"rule_id"`
	Host     string   `json:"host"`
	Commands []string `json:"commands,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type deployResponse struct {
	Deployment models.Deployment `json:"deployment"`
	Group      models.RuleGroup  `json:"group"`
	Skipped    []int64           `json:"skipped,omitempty"`
	Rules      []ruleResult      `json:"rules"`
}

func errorStrings(errs []error) []string {
	var out []string
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func (s *Server) handleDeploy(deactivate bool) http.HandlerFunc {
	intent := models.IntentActivate
	if deactivate {
		intent = models.IntentDeactivate
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid group id")
			return
		}

		out, err := s.deployer.Deploy(r.Context(), id, intent, initiator(r))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rule group not found")
			return
		}
		if err != nil {
			s.internalError(w, "deploying group", err, "group", id, "intent", intent)
			return
		}

		resp := deployResponse{
			Deployment: out.Deployment,
			Group:      out.Group,
			Skipped:    out.Skipped,
			Rules:      []ruleResult{},
		}
		for _, ro := range out.Rules {
			rr := ruleResult{
				RuleID:   ro.RuleID,
				Host:     ro.Host,
				Commands: ro.Commands,
				Warnings: errorStrings(ro.Warnings),
			}
			if ro.Err != nil {
				rr.Error = ro.Err.Error()
			}
			resp.Rules = append(resp.Rules, rr)
		}

		status := http.StatusOK
		if !out.Succeeded() {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	out, err := s.deployer.DeleteRule(r.Context(), id, initiator(r))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "rule not found")
		return
	case deploy.IsConnectionError(err):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		var df *deploy.DispatchFailure
		if errors.As(err, &df) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.internalError(w, "deleting rule", err, "rule", id)
		return
	}

	resp := map[string]any{
		"rule_id":      out.RuleID,
		"host":         out.Host,
		"deactivation": out.Deactivation,
		"reapplied":    nonNil(out.Reapplied),
		"sequence":     nonNil(out.Sequence),
	}
	if warns := errorStrings(out.Warnings); len(warns) > 0 {
		resp["warnings"] = warns
	}
	if out.Err != nil {
		resp["error"] = out.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	out, err := s.deployer.Gather(r.Context())
	if err != nil {
		s.internalError(w, "gathering facts", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = topology.FormatJSON
	}
	contentType := map[string]string{
		topology.FormatJSON:    "application/json",
		topology.FormatDOT:     "text/vnd.graphviz",
		topology.FormatMermaid: "text/plain; charset=utf-8",
	}[format]
	if contentType == "" {
		writeError(w, http.StatusBadRequest, "format must be one of: json, dot, mermaid")
		return
	}

	out, err := topology.Export(r.Context(), s.repo, format)
	if err != nil {
		s.internalError(w, "exporting topology", err, "format", format)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write([]byte(out))
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
