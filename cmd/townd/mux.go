package main

import (
	"encoding/json"
	"net/http"

	"github.com/steveyegge/gastown-townd/internal/agentstore"
	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/town"
)

// newMux builds a minimal net/http mux over t's core operations, for
// local testing and demo purposes only. It is not the production edge
// router (spec.md Non-goals): it carries no auth middleware, parses no
// JWT (caller identity comes from the route path alone), and has no
// multi-tenant routing.
func newMux(t *town.Town) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /beads", func(w http.ResponseWriter, r *http.Request) {
		var in beads.CreateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, err := t.Beads.CreateBead(r.Context(), in)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, b)
	})

	mux.HandleFunc("GET /beads/{id}", func(w http.ResponseWriter, r *http.Request) {
		b, err := t.Beads.GetBead(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, b)
	})

	mux.HandleFunc("GET /beads", func(w http.ResponseWriter, r *http.Request) {
		list, err := t.Beads.ListBeads(r.Context(), beads.ListFilter{
			Status: beads.Status(r.URL.Query().Get("status")),
			Type:   beads.Type(r.URL.Query().Get("type")),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, list)
	})

	mux.HandleFunc("POST /sling", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string         `json:"title"`
			Body  string         `json:"body"`
			RigID string         `json:"rigId"`
			Meta  map[string]any `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := t.Sling.SlingBead(r.Context(), beads.CreateInput{
			Type:     beads.TypeIssue,
			Title:    body.Title,
			Body:     body.Body,
			RigID:    body.RigID,
			Metadata: body.Meta,
		}, agentstore.RolePolecat, t.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, result)
	})

	mux.HandleFunc("POST /agents/{id}/done", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Branch       string `json:"branch"`
			TargetBranch string `json:"targetBranch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entry, err := t.Sling.AgentDone(r.Context(), r.PathValue("id"), body.Branch, body.TargetBranch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entry)
	})

	// Completion callback invoked by the container runtime when an
	// agent's process exits, not by the agent itself.
	mux.HandleFunc("POST /agents/{id}/completed", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := t.Sling.AgentCompleted(r.Context(), r.PathValue("id"), body.Status, body.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /mayor/message", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := t.Mayor.SendMessage(r.Context(), body.Message); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /mayor/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := t.Mayor.GetMayorStatus(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, status)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
