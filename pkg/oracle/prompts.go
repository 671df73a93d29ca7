package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mcpgw/pkg/models"
)

const negotiationSystemPrompt = `You are a security analyst judging whether a client's declared intent is compatible with a server's declared capability.
Analyze the meaning and purpose behind the declarations, not just keywords.
Respond with a single JSON object:
{
  "status": "compatible" | "incompatible" | "needs_review",
  "confidence": 0.0-1.0,
  "reasons": ["reasoning for the decision"],
  "suggested_constraints": ["additional constraints to make the interaction safe"],
  "risk_flags": ["named risk categories"]
}`

const transactionSystemPrompt = `You are a security analyst validating a single proposed operation against an agreed intent contract.
Judge whether the operation serves the agreed purpose and respects every constraint.
Respond with a single JSON object:
{
  "status": "compatible" | "incompatible" | "needs_review",
  "confidence": 0.0-1.0,
  "reasons": ["reasoning for the decision"],
  "risk_flags": ["named risk categories"]
}`

const driftSystemPrompt = `You are a security analyst detecting intent drift: transactions trending away from an agreed purpose.
Respond with a single JSON object:
{
  "drift_detected": true | false,
  "severity": "none" | "low" | "medium" | "high",
  "indicators": ["specific indicators"],
  "recommended_action": "continue" | "review" | "renegotiate" | "terminate",
  "confidence": 0.0-1.0
}`

func buildPrompt(req EvalRequest) (system, prompt string) {
	subject := compactOrRaw(req.Subject)
	reference := compactOrRaw(req.Reference)
	switch req.Mode {
	case ModeTransaction:
		return transactionSystemPrompt, fmt.Sprintf(
			"AGREED CONTRACT TERMS:\n%s\n\nPROPOSED OPERATION:\n%s\n\nProvide your validation as a JSON object.",
			reference, subject)
	default:
		return negotiationSystemPrompt, fmt.Sprintf(
			"CLIENT INTENT DECLARATION:\n%s\n\nSERVER CAPABILITY DECLARATION:\n%s\n\nProvide your compatibility analysis as a JSON object.",
			subject, reference)
	}
}

func buildDriftPrompt(req DriftRequest) (system, prompt string) {
	window := req.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	txns, _ := json.Marshal(req.Transactions)
	return driftSystemPrompt, fmt.Sprintf(
		"ORIGINAL PURPOSE: %s\nTIME WINDOW: last %s\n\nRECENT TRANSACTIONS:\n%s\n\nProvide your drift analysis as a JSON object.",
		req.Purpose, window, txns)
}

func compactOrRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf strings.Builder
	if canon, err := models.CanonicalizeJSON(raw); err == nil {
		buf.Write(canon)
		return buf.String()
	}
	return string(raw)
}
