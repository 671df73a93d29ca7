package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"mcpgw/pkg/httpx"
	"mcpgw/pkg/models"
	"mcpgw/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// oracle-mock is a deterministic stand-in for an Ollama endpoint. It answers
// /api/generate with a keyword-driven verdict so the gateway can run end to
// end without a model server.

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system"`
}

var denyKeywords = []string{
	"delete", "drop", "truncate", "exfiltrate", "credential",
	"password", "ssn", "credit_card",
}

var reviewKeywords = []string{
	"admin", "export", "bulk", "wildcard",
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runOracleMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func judge(prompt string) models.CompatibilityVerdict {
	lower := strings.ToLower(prompt)
	for _, kw := range denyKeywords {
		if strings.Contains(lower, kw) {
			return models.CompatibilityVerdict{
				Status:     models.VerdictIncompatible,
				Confidence: 0.95,
				Reasons:    []string{"matched deny keyword: " + kw},
				RiskFlags:  []string{"keyword_match"},
			}
		}
	}
	for _, kw := range reviewKeywords {
		if strings.Contains(lower, kw) {
			return models.CompatibilityVerdict{
				Status:     models.VerdictNeedsReview,
				Confidence: 0.5,
				Reasons:    []string{"matched review keyword: " + kw},
			}
		}
	}
	return models.CompatibilityVerdict{
		Status:     models.VerdictCompatible,
		Confidence: 0.9,
		Reasons:    []string{"no risky keywords detected"},
	}
}

func judgeDrift(prompt string) models.DriftReport {
	lower := strings.ToLower(prompt)
	for _, kw := range denyKeywords {
		if strings.Contains(lower, kw) {
			return models.DriftReport{
				DriftDetected: true,
				Severity:      "high",
				Indicators:    []string{"matched deny keyword: " + kw},
				Recommended:   "terminate",
				Confidence:    0.9,
			}
		}
	}
	return models.DriftReport{
		Severity:    "none",
		Recommended: "continue",
		Confidence:  0.9,
	}
}

func generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	var out any
	if strings.Contains(req.System, "drift") {
		out = judgeDrift(req.Prompt)
	} else {
		out = judge(req.Prompt)
	}
	encoded, _ := json.Marshal(out)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"model":    req.Model,
		"response": string(encoded),
		"done":     true,
	})
}

func tags(w http.ResponseWriter, r *http.Request) {
	model := env("ORACLE_MOCK_MODEL", "llama3.1:8b")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"models": []map[string]string{{"name": model}},
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runOracleMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "oracle-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("oracle-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "oracle-mock"})
	})
	r.Post("/api/generate", generate)
	r.Get("/api/tags", tags)

	addr := env("ADDR", ":11434")
	log.Printf("oracle-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
