package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deskrec/deskrec"
)

func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	state := "idle"
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(deskrec.Status{State: state})
	})
	mux.HandleFunc("/api/start", func(w http.ResponseWriter, r *http.Request) {
		var req StartRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "name required"})
			return
		}
		state = "recording"
		_ = json.NewEncoder(w).Encode(deskrec.Status{State: state, Name: req.Name})
	})
	mux.HandleFunc("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		state = "finalized"
		_ = json.NewEncoder(w).Encode(deskrec.Status{State: state})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	srv := fakeDaemon(t)
	c := New(Config{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})

	if !c.IsReachable() {
		t.Fatal("daemon should be reachable")
	}

	st, err := c.StartSession("pilot")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.State != "recording" || st.Name != "pilot" {
		t.Fatalf("unexpected start status: %+v", st)
	}

	if _, err := c.StartSession(""); err == nil {
		t.Fatal("expected daemon error for empty name")
	}

	st, err = c.StopSession()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.State != "finalized" {
		t.Fatalf("state after stop = %q", st.State)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	if c.IsReachable() {
		t.Fatal("nothing should answer on port 1")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := New(Config{})
	if c.baseURL != "http://127.0.0.1:8951/api" {
		t.Fatalf("default base URL = %q", c.baseURL)
	}
}
