package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mcpgw/pkg/events"
	"mcpgw/pkg/models"
)

func TestRunNoArgs(t *testing.T) {
	var out bytes.Buffer
	err := run(nil, &out)
	if err == nil || !strings.Contains(err.Error(), "command required") {
		t.Fatalf("expected command required, got %v", err)
	}
	if !strings.Contains(out.String(), "mcpgwctl commands:") {
		t.Fatal("expected usage output")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"bogus"}, &out)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestHashOperation(t *testing.T) {
	dir := t.TempDir()
	opPath := filepath.Join(dir, "op.json")
	op := models.OperationDescriptor{Name: "search_flights", Params: json.RawMessage(`{"from":"SFO"}`)}
	raw, _ := json.Marshal(op)
	if err := os.WriteFile(opPath, raw, 0o600); err != nil {
		t.Fatalf("write op: %v", err)
	}

	var out bytes.Buffer
	if err := run([]string{"hash-operation", "--contract", "c-1", "--operation", opPath}, &out); err != nil {
		t.Fatalf("hash-operation: %v", err)
	}
	want := models.OperationHash("c-1", op)
	if got := strings.TrimSpace(out.String()); got != want {
		t.Fatalf("hash mismatch: got %s want %s", got, want)
	}
}

func TestHashOperationMissingFlags(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"hash-operation"}, &out); err == nil {
		t.Fatal("expected error without flags")
	}
}

func TestDeclareIntentPostsToGateway(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/intents" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		body, _ := json.Marshal(map[string]string{"intent_id": "i-1"})
		received = body
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	intentPath := filepath.Join(dir, "intent.json")
	if err := os.WriteFile(intentPath, []byte(`{"purpose":"book flights","client_id":"agent"}`), 0o600); err != nil {
		t.Fatalf("write intent: %v", err)
	}

	var out bytes.Buffer
	err := run([]string{"declare-intent", "--file", intentPath, "--gateway", srv.URL, "--token", "tok"}, &out)
	if err != nil {
		t.Fatalf("declare-intent: %v", err)
	}
	if !strings.Contains(out.String(), "i-1") || received == nil {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestPostFileGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"incompatible"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	capPath := filepath.Join(dir, "cap.json")
	if err := os.WriteFile(capPath, []byte(`{"server_name":"x"}`), 0o600); err != nil {
		t.Fatalf("write capability: %v", err)
	}
	var out bytes.Buffer
	err := run([]string{"register-capability", "--file", capPath, "--gateway", srv.URL}, &out)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 error, got %v", err)
	}
	if !strings.Contains(out.String(), "incompatible") {
		t.Fatal("expected response body echoed")
	}
}

func TestNegotiateRequiresIDs(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"negotiate"}, &out); err == nil {
		t.Fatal("expected error without ids")
	}
}

func TestNegotiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["intent_id"] != "i-1" || req["capability_id"] != "c-1" {
			t.Fatalf("unexpected request: %v", req)
		}
		extra, ok := req["extra_constraints"].([]any)
		if !ok || len(extra) != 2 || extra[0] != "no_personal_data_storage" {
			t.Fatalf("unexpected constraints: %v", req["extra_constraints"])
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"contract_id":"ct-1","status":"active"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run([]string{"negotiate", "--intent-id", "i-1", "--capability-id", "c-1", "--constraints", "no_personal_data_storage, audit_all", "--gateway", srv.URL}, &out)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !strings.Contains(out.String(), "ct-1") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/validate" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req struct {
			ContractID string                     `json:"contract_id"`
			Operation  models.OperationDescriptor `json:"operation"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ContractID != "ct-1" || req.Operation.Name != "search_flights" {
			t.Fatalf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"outcome":"approved"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	opPath := filepath.Join(dir, "op.json")
	if err := os.WriteFile(opPath, []byte(`{"name":"search_flights"}`), 0o600); err != nil {
		t.Fatalf("write op: %v", err)
	}
	var out bytes.Buffer
	err := run([]string{"validate", "--contract", "ct-1", "--operation", opPath, "--gateway", srv.URL}, &out)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "approved") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestValidateResponsePath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"outcome":"approved"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	opPath := filepath.Join(dir, "op.json")
	if err := os.WriteFile(opPath, []byte(`{"name":"flight_results"}`), 0o600); err != nil {
		t.Fatalf("write op: %v", err)
	}
	var out bytes.Buffer
	err := run([]string{"validate", "--contract", "ct-1", "--operation", opPath, "--response", "--gateway", srv.URL}, &out)
	if err != nil {
		t.Fatalf("validate --response: %v", err)
	}
	if gotPath != "/v1/responses/validate" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestValidateMissingFlags(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"validate"}, &out); err == nil {
		t.Fatal("expected error without flags")
	}
}

func TestStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/stats" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"active_contracts":3}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := run([]string{"stats", "--gateway", srv.URL}, &out); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out.String(), "active_contracts") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

type fakeEventSource struct {
	evs    []events.Event
	err    error
	closed bool
}

func (f *fakeEventSource) Read(ctx context.Context) (events.Event, error) {
	if len(f.evs) == 0 {
		if f.err != nil {
			return events.Event{}, f.err
		}
		return events.Event{}, errors.New("no more events")
	}
	ev := f.evs[0]
	f.evs = f.evs[1:]
	return ev, nil
}

func (f *fakeEventSource) Close() error {
	f.closed = true
	return nil
}

func TestFollowEvents(t *testing.T) {
	orig := newConsumerFn
	defer func() { newConsumerFn = orig }()
	src := &fakeEventSource{evs: []events.Event{
		{Type: events.TypeContractActivated, ContractID: "ct-1"},
		{Type: events.TypeTransactionBlocked, ContractID: "ct-1"},
	}}
	newConsumerFn = func(cfg events.KafkaConfig) (eventSource, error) {
		if cfg.Topic != "mcpgw.events" || cfg.GroupID != "mcpgwctl" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		return src, nil
	}

	var out bytes.Buffer
	err := run([]string{"follow-events", "--brokers", "localhost:9092", "--max", "2"}, &out)
	if err != nil {
		t.Fatalf("follow-events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], events.TypeContractActivated) {
		t.Fatalf("unexpected output: %s", out.String())
	}
	if !src.closed {
		t.Fatal("consumer must be closed")
	}
}

func TestFollowEventsInvalidConfig(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"follow-events", "--brokers", ""}, &out)
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected kafka config error, got %v", err)
	}
}

func TestMainExitsOnError(t *testing.T) {
	origExit := osExit
	origArgs := os.Args
	defer func() {
		osExit = origExit
		os.Args = origArgs
	}()
	exitCode := -1
	osExit = func(code int) { exitCode = code }
	os.Args = []string{"mcpgwctl", "bogus"}
	main()
	if exitCode != 1 {
		t.Fatalf("expected exit 1, got %d", exitCode)
	}
}
