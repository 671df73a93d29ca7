package oracle

import (
	"encoding/json"
	"regexp"
	"strings"

	"mcpgw/pkg/models"
)

// The model is instructed to answer with bare JSON but in practice wraps it
// in markdown fences, prose, comments or trailing commas. Extraction tries
// progressively harder cleanups before giving up.

var (
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	lineCommentRe   = regexp.MustCompile(`(?m)//[^\n]*`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

type verdictPayload struct {
	Status               string   `json:"status"`
	ValidationResult     string   `json:"validation_result"`
	Confidence           *float64 `json:"confidence"`
	ConfidenceScore      *float64 `json:"confidence_score"`
	Reasons              []string `json:"reasons"`
	CompatibilityReasons []string `json:"compatibility_reasons"`
	ValidationReasons    []string `json:"validation_reasons"`
	SuggestedConstraints []string `json:"suggested_constraints"`
	RiskFlags            []string `json:"risk_flags"`
	RiskFactors          []string `json:"risk_factors"`
}

type driftPayload struct {
	DriftDetected *bool    `json:"drift_detected"`
	Severity      string   `json:"severity"`
	Indicators    []string `json:"indicators"`
	DriftIndic    []string `json:"drift_indicators"`
	Recommended   string   `json:"recommended_action"`
	Confidence    *float64 `json:"confidence"`
	ConfScore     *float64 `json:"confidence_score"`
}

func extractVerdict(text string) (models.CompatibilityVerdict, bool) {
	obj, ok := extractObject(text)
	if !ok {
		return models.CompatibilityVerdict{}, false
	}
	var p verdictPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return models.CompatibilityVerdict{}, false
	}
	status := normalizeStatus(firstNonEmpty(p.Status, p.ValidationResult))
	if status == "" {
		return models.CompatibilityVerdict{}, false
	}
	reasons := p.Reasons
	if len(reasons) == 0 {
		reasons = p.CompatibilityReasons
	}
	if len(reasons) == 0 {
		reasons = p.ValidationReasons
	}
	flags := p.RiskFlags
	if len(flags) == 0 {
		flags = p.RiskFactors
	}
	return models.CompatibilityVerdict{
		Status:               status,
		Confidence:           clampConfidence(firstFloat(p.Confidence, p.ConfidenceScore)),
		Reasons:              reasons,
		SuggestedConstraints: p.SuggestedConstraints,
		RiskFlags:            flags,
	}, true
}

func extractDriftReport(text string) (models.DriftReport, bool) {
	obj, ok := extractObject(text)
	if !ok {
		return models.DriftReport{}, false
	}
	var p driftPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return models.DriftReport{}, false
	}
	if p.DriftDetected == nil {
		return models.DriftReport{}, false
	}
	indicators := p.Indicators
	if len(indicators) == 0 {
		indicators = p.DriftIndic
	}
	severity := strings.ToLower(strings.TrimSpace(p.Severity))
	if severity == "" {
		severity = "none"
	}
	recommended := strings.ToLower(strings.TrimSpace(p.Recommended))
	if recommended == "" {
		recommended = "review"
	}
	return models.DriftReport{
		DriftDetected: *p.DriftDetected,
		Severity:      severity,
		Indicators:    indicators,
		Recommended:   recommended,
		Confidence:    clampConfidence(firstFloat(p.Confidence, p.ConfScore)),
	}, true
}

// extractObject locates the first balanced JSON object in model output,
// stripping markdown fences, comments and trailing commas along the way.
func extractObject(text string) (json.RawMessage, bool) {
	candidates := []string{strings.TrimSpace(text)}
	if m := codeFenceRe.FindStringSubmatch(text); len(m) == 2 {
		candidates = append([]string{strings.TrimSpace(m[1])}, candidates...)
	}
	for _, candidate := range candidates {
		cleaned := blockCommentRe.ReplaceAllString(candidate, "")
		cleaned = lineCommentRe.ReplaceAllString(cleaned, "")
		cleaned = trailingCommaRe.ReplaceAllString(cleaned, "$1")
		if obj, ok := balancedObject(cleaned); ok {
			if json.Valid(obj) {
				return obj, true
			}
		}
	}
	return nil, false
}

func balancedObject(s string) (json.RawMessage, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.RawMessage(s[start : i+1]), true
			}
		}
	}
	return nil, false
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case models.VerdictCompatible, "valid":
		return models.VerdictCompatible
	case models.VerdictIncompatible, "invalid":
		return models.VerdictIncompatible
	case models.VerdictNeedsReview, "requires_negotiation", "suspicious", "ambiguous", "analysis_failed":
		return models.VerdictNeedsReview
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
