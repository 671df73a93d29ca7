package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcpgw/pkg/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrMalformedInput = errors.New("malformed input")
)

// Backend is the storage seam for declarations. The in-memory backend serves
// tests and single-node deployments; the redis backend shares declarations
// across gateway replicas.
type Backend interface {
	PutIntent(ctx context.Context, decl models.ClientIntentDeclaration) error
	GetIntent(ctx context.Context, id string) (models.ClientIntentDeclaration, error)
	CountIntents(ctx context.Context) (int, error)
	PutCapability(ctx context.Context, decl models.ServerCapabilityDeclaration) error
	GetCapability(ctx context.Context, id string) (models.ServerCapabilityDeclaration, error)
	ListCapabilities(ctx context.Context) ([]models.ServerCapabilityDeclaration, error)
	LookupServerName(ctx context.Context, name string) (string, error)
}

// Registry stores declared client intents and server capabilities.
// Declarations are immutable after registration; re-registering creates a new
// entity under a fresh identifier.
type Registry struct {
	backend Backend
	now     func() time.Time
}

func New(backend Backend) *Registry {
	return &Registry{backend: backend, now: time.Now}
}

// RegisterIntent validates and stores a client intent declaration, returning
// its generated identifier.
func (r *Registry) RegisterIntent(ctx context.Context, decl models.ClientIntentDeclaration) (string, error) {
	if strings.TrimSpace(decl.Purpose) == "" {
		return "", fmt.Errorf("%w: purpose required", ErrMalformedInput)
	}
	if decl.DurationMinutes < 0 {
		return "", fmt.Errorf("%w: duration must not be negative", ErrMalformedInput)
	}
	decl.IntentID = uuid.New().String()
	decl.DataRequirements = models.NormalizeSet(decl.DataRequirements)
	decl.Constraints = models.NormalizeSet(decl.Constraints)
	decl.CreatedAt = r.now().UTC()
	if err := r.backend.PutIntent(ctx, decl); err != nil {
		return "", err
	}
	return decl.IntentID, nil
}

// RegisterCapability validates and stores a server capability declaration,
// returning its generated identifier.
func (r *Registry) RegisterCapability(ctx context.Context, decl models.ServerCapabilityDeclaration) (string, error) {
	if len(decl.Provides) == 0 {
		return "", fmt.Errorf("%w: provides required", ErrMalformedInput)
	}
	switch strings.ToLower(strings.TrimSpace(decl.DataSensitivity)) {
	case models.SensitivityPublic, models.SensitivityRestricted, models.SensitivityConfidential:
		decl.DataSensitivity = strings.ToLower(strings.TrimSpace(decl.DataSensitivity))
	case "":
		decl.DataSensitivity = models.SensitivityRestricted
	default:
		return "", fmt.Errorf("%w: unknown data_sensitivity %q", ErrMalformedInput, decl.DataSensitivity)
	}
	decl.CapabilityID = uuid.New().String()
	decl.ServerName = strings.TrimSpace(decl.ServerName)
	decl.Provides = models.NormalizeSet(decl.Provides)
	decl.Boundaries = models.NormalizeSet(decl.Boundaries)
	decl.SupportedOperations = models.NormalizeSet(decl.SupportedOperations)
	decl.CreatedAt = r.now().UTC()
	if err := r.backend.PutCapability(ctx, decl); err != nil {
		return "", err
	}
	return decl.CapabilityID, nil
}

func (r *Registry) GetIntent(ctx context.Context, id string) (models.ClientIntentDeclaration, error) {
	return r.backend.GetIntent(ctx, id)
}

func (r *Registry) GetCapability(ctx context.Context, id string) (models.ServerCapabilityDeclaration, error) {
	return r.backend.GetCapability(ctx, id)
}

// ListCapabilities returns summaries of every registered capability.
func (r *Registry) ListCapabilities(ctx context.Context) ([]models.CapabilitySummary, error) {
	caps, err := r.backend.ListCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.CapabilitySummary, 0, len(caps))
	for _, c := range caps {
		out = append(out, models.CapabilitySummary{
			CapabilityID:    c.CapabilityID,
			ServerName:      c.ServerName,
			Provides:        c.Provides,
			DataSensitivity: c.DataSensitivity,
			CreatedAt:       c.CreatedAt,
		})
	}
	return out, nil
}

// LookupCapabilityByServer resolves a server name through the secondary
// latest-wins index. The index is a convenience view, not the source of
// truth: re-registering under the same name overwrites it.
func (r *Registry) LookupCapabilityByServer(ctx context.Context, name string) (models.ServerCapabilityDeclaration, error) {
	id, err := r.backend.LookupServerName(ctx, strings.TrimSpace(name))
	if err != nil {
		return models.ServerCapabilityDeclaration{}, err
	}
	return r.backend.GetCapability(ctx, id)
}

// Counts returns registry sizes for broker statistics.
func (r *Registry) Counts(ctx context.Context) (intents, capabilities int, err error) {
	intents, err = r.backend.CountIntents(ctx)
	if err != nil {
		return 0, 0, err
	}
	caps, err := r.backend.ListCapabilities(ctx)
	if err != nil {
		return 0, 0, err
	}
	return intents, len(caps), nil
}
