// Package hardening gates startup in production-like environments: TLS on
// both stores, an explicit HTTPS CORS allowlist, secrets present, and no
// plaintext oracle endpoint.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	RedisAllowInsecureTLS  string
	CORSAllowedOrigins     string
	OracleURL              string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction returns the first hardening violation, or nil outside
// production-like environments or when STRICT_PROD_SECURITY=false.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	checks := []func() error{
		func() error { return validateStoreTLS(o, service) },
		func() error { return validateCORSOrigins(o.CORSAllowedOrigins, service) },
		func() error { return validateOracleURL(o.OracleURL, service) },
		func() error { return validateSecrets(o.RequiredServiceSecrets, service) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func validateStoreTLS(o Options, service string) error {
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	return nil
}

func validateSecrets(secrets []EnvRequirement, service string) error {
	for _, req := range secrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		if err := checkOrigin(o, service); err != nil {
			return err
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func checkOrigin(origin, service string) error {
	lower := strings.ToLower(origin)
	if lower == "*" {
		return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
	}
	if isLoopbackOrigin(lower) {
		return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, origin)
	}
	if !strings.HasPrefix(lower, "https://") {
		return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, origin)
	}
	return nil
}

func isLoopbackOrigin(lower string) bool {
	for _, prefix := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// The oracle sees full intents, operations and responses; shipping those over
// plaintext to anything but loopback is refused outright.
func validateOracleURL(raw, service string) error {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" || strings.HasPrefix(lower, "https://") {
		return nil
	}
	if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") {
		return nil
	}
	return fmt.Errorf("%s: strict production hardening requires an HTTPS oracle endpoint, got %q", service, raw)
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
