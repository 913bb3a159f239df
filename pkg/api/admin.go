package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cuemby/flink-mesos/pkg/events"
	"github.com/cuemby/flink-mesos/pkg/lifecycle"
	"github.com/cuemby/flink-mesos/pkg/scheduler"
	"github.com/gorilla/mux"
)

// FrameworkInfo is the body of GET /framework
type FrameworkInfo struct {
	Name                   string             `json:"name"`
	ID                     string             `json:"id,omitempty"`
	Phase                  lifecycle.Phase    `json:"phase"`
	Activated              bool               `json:"activated"`
	FailoverTimeoutSeconds float64            `json:"failoverTimeoutSeconds"`
	Master                 string             `json:"master"`
	HAEndpoint             string             `json:"haEndpoint,omitempty"`
	Environment            string             `json:"environment,omitempty"`
	Version                string             `json:"version,omitempty"`
	Groups                 []string           `json:"groups"`
	LastError              *lifecycle.Failure `json:"lastError,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func (s *Server) registerAdmin(r *mux.Router) {
	r.HandleFunc("/framework", s.getFramework).Methods(http.MethodGet)
	r.HandleFunc("/groups", s.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/groups/{name}", s.getGroup).Methods(http.MethodGet)
	r.HandleFunc("/groups/{name}/scale/{instances}", s.rateLimited(s.scaleGroup)).Methods(http.MethodPut)
	r.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/recent", s.recentEvents).Methods(http.MethodGet)
}

func (s *Server) getFramework(w http.ResponseWriter, r *http.Request) {
	fw := s.opts.Framework
	info := FrameworkInfo{
		Name:                   fw.Name,
		FailoverTimeoutSeconds: fw.FailoverTimeout.Seconds(),
		Master:                 fw.MasterEndpoint().String(),
		Environment:            fw.Environment,
		Version:                s.opts.Version,
		Phase:                  lifecycle.PhaseUnregistered,
	}
	if fw.UseHA {
		info.HAEndpoint = fw.HAEndpoint
	}
	for _, g := range fw.OrderedGroups() {
		info.Groups = append(info.Groups, g.Name())
	}
	if st, ok := s.lifecycleState(); ok {
		info.ID = st.SubscriptionID
		info.Phase = st.Phase
		info.Activated = st.Activated
		info.LastError = st.LastError
		if st.FailoverTimeout > 0 {
			info.FailoverTimeoutSeconds = st.FailoverTimeout.Seconds()
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Tracker.Groups())
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	st, err := s.opts.Tracker.GroupStatus(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) scaleGroup(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	vars := mux.Vars(r)
	name := vars["name"]
	instances, err := strconv.Atoi(vars["instances"])
	if err != nil || instances < 1 {
		writeError(w, http.StatusBadRequest, "instances must be a positive integer")
		return
	}

	change, err := s.opts.Tracker.Scale(name, instances)
	switch {
	case errors.Is(err, scheduler.ErrUnknownGroup):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, scheduler.ErrScalingNotAllowed):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(change.Kill) > 0 && s.opts.Killer != nil {
		if err := s.opts.Killer.Kill(r.Context(), change.KillIDs()); err != nil {
			change.Revert()
			s.logger.Error().Err(err).Str("task_group", name).Msg("Failed to kill surplus tasks, scale reverted")
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	s.logger.Info().Str("task_group", name).Int("instances", instances).Int("killed", len(change.Kill)).Msg("Task group scaled")
	if s.opts.Broker != nil {
		s.opts.Broker.Emit(events.EventGroupScaled, "task group scaled",
			"group", name, "instances", strconv.Itoa(instances))
	}

	st, _ := s.opts.Tracker.GroupStatus(name)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}
	tasks := s.opts.Tracker.Tasks()
	if group := r.URL.Query().Get("group"); group != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Group == group {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// parseLimit reads ?limit=N; 0 means no limit. It writes a 400 and returns
// false when the value is not a positive integer.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

// recentEvents returns the retained event history, oldest first
func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not available")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Broker.Recent(limit))
}

// streamEvents writes broker events as newline-delimited JSON until the client
// goes away. ?limit=N ends the stream after N events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	sub := s.opts.Broker.Subscribe()
	defer s.opts.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent++
			if limit > 0 && sent >= limit {
				return
			}
		}
	}
}
