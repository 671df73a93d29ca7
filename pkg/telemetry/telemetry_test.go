package telemetry

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func decide(t *testing.T, s sdktrace.Sampler) sdktrace.SamplingDecision {
	t.Helper()
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{0xaa, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		Name:          "validate_operation",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{"always_off", "", sdktrace.Drop},
		{"always_on", "", sdktrace.RecordAndSample},
		{"traceidratio", "2", sdktrace.RecordAndSample}, // clamps to 1
		{"traceidratio", "-1", sdktrace.Drop},           // clamps to 0
		{"parentbased", "0", sdktrace.Drop},
		{"unknown", "", sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := decide(t, parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("sampler %q arg %q: got %v want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers := parseHeaders("authorization=Bearer collector-token, x-gateway = mcpgw,malformed")
	if len(headers) != 2 {
		t.Fatalf("expected 2 parsed headers, got %d", len(headers))
	}
	if headers["authorization"] != "Bearer collector-token" {
		t.Fatalf("unexpected authorization header %q", headers["authorization"])
	}
	if headers["x-gateway"] != "mcpgw" {
		t.Fatalf("unexpected x-gateway header %q", headers["x-gateway"])
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for blank header string, got %v", got)
	}
	headers = parseHeaders("a=1, , =dropped, b=2")
	if len(headers) != 2 {
		t.Fatalf("empty parts and keys must be skipped, got %#v", headers)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TELEMETRY_TEST_INT", "42")
	if got := envInt("TELEMETRY_TEST_INT", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("TELEMETRY_TEST_INT", "not-a-number")
	if got := envInt("TELEMETRY_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_REQUIRED", "false")
	shutdown, err := Init(context.Background(), "mcpgw-gateway")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected instrumented client with transport")
	}

	oracleClient := &http.Client{Transport: http.DefaultTransport, Timeout: 8 * time.Second}
	if got := InstrumentClient(oracleClient); got != oracleClient {
		t.Fatal("instrumentation must wrap the caller's client in place")
	}
	if oracleClient.Timeout != 8*time.Second {
		t.Fatal("instrumentation must not alter the client timeout")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware("mcpgw-gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
}

func TestHTTPMiddlewareDefaultServiceName(t *testing.T) {
	handler := HTTPMiddleware("   ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/contracts", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
}

func TestInitExporterRequiredVsOptional(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	t.Setenv("OTEL_REQUIRED", "false")
	ctxOptional, cancelOptional := context.WithCancel(context.Background())
	cancelOptional()
	shutdown, err := Init(ctxOptional, "mcpgw-optional")
	if err != nil {
		t.Fatalf("required=false should fall back without error, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function on fallback")
	}
	_ = shutdown(context.Background())

	t.Setenv("OTEL_REQUIRED", "true")
	ctxRequired, cancelRequired := context.WithCancel(context.Background())
	cancelRequired()
	if _, err := Init(ctxRequired, "mcpgw-required"); err == nil {
		t.Fatal("required=true must surface the exporter init error")
	}
}

func TestInitExporterSuccessWithHeadersAndInsecure(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/traces") {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	u, err := url.Parse(collector.URL)
	if err != nil {
		t.Fatalf("parse collector url: %v", err)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", u.Host)
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer collector-token")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "1")
	t.Setenv("OTEL_REQUIRED", "true")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shutdown, err := Init(ctx, "   ")
	if err != nil {
		t.Fatalf("expected exporter init success, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestInitExporterRequiredFailureByBadEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host := ln.Addr().String()
	_ = ln.Close()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://"+host)
	t.Setenv("OTEL_REQUIRED", "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Init(ctx, "mcpgw-bad-endpoint"); err == nil {
		t.Fatal("expected init error for scheme-prefixed endpoint when required=true")
	}
}
