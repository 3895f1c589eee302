package containerclient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/steveyegge/gastown-townd/internal/containerclient"
)

func TestStartAgentRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/start" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req containerclient.StartAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.AgentID != "agent-1" {
			t.Errorf("AgentID = %q, want agent-1", req.AgentID)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(containerclient.StartAgentResponse{ProcessID: "proc-1"})
	}))
	defer srv.Close()

	client := containerclient.New(srv.URL)
	resp, err := client.StartAgent(t.Context(), containerclient.StartAgentRequest{AgentID: "agent-1", RigID: "rig-1"})
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if resp.ProcessID != "proc-1" {
		t.Errorf("ProcessID = %q, want proc-1", resp.ProcessID)
	}
}

func TestStartMergePostsToMergeRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/merge" {
			t.Fatalf("unexpected path %s, want /merge", r.URL.Path)
		}
		var req containerclient.StartMergeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.EntryID != "entry-1" || req.BeadID != "bead-1" || req.AgentID != "agent-1" {
			t.Errorf("req = %+v, want entry_id/bead_id/agent_id populated", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(containerclient.StartMergeResponse{MergeID: "merge-1"})
	}))
	defer srv.Close()

	client := containerclient.New(srv.URL)
	resp, err := client.StartMerge(t.Context(), containerclient.StartMergeRequest{
		EntryID: "entry-1", RigID: "rig-1", Branch: "feature/x", TargetBranch: "main",
		BeadID: "bead-1", AgentID: "agent-1",
	})
	if err != nil {
		t.Fatalf("StartMerge: %v", err)
	}
	if resp.MergeID != "merge-1" {
		t.Errorf("MergeID = %q, want merge-1", resp.MergeID)
	}
}

func TestDoReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := containerclient.New(srv.URL)
	if err := client.Health(t.Context()); err == nil {
		t.Error("expected an error on a 500 response")
	}
}

func TestWithAPIKeySendsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := containerclient.New(srv.URL, containerclient.WithAPIKey("tok-123"))
	if err := client.Health(t.Context()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer tok-123")
	}
}
