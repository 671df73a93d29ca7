package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mcpgw/pkg/models"
)

// MemoryBackend keeps declarations in process memory.
type MemoryBackend struct {
	mu           sync.RWMutex
	intents      map[string]models.ClientIntentDeclaration
	capabilities map[string]models.ServerCapabilityDeclaration
	serverIndex  map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		intents:      map[string]models.ClientIntentDeclaration{},
		capabilities: map[string]models.ServerCapabilityDeclaration{},
		serverIndex:  map[string]string{},
	}
}

func (m *MemoryBackend) PutIntent(ctx context.Context, decl models.ClientIntentDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[decl.IntentID] = decl
	return nil
}

func (m *MemoryBackend) GetIntent(ctx context.Context, id string) (models.ClientIntentDeclaration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	decl, ok := m.intents[id]
	if !ok {
		return models.ClientIntentDeclaration{}, fmt.Errorf("%w: intent %s", ErrNotFound, id)
	}
	return decl, nil
}

func (m *MemoryBackend) CountIntents(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.intents), nil
}

func (m *MemoryBackend) PutCapability(ctx context.Context, decl models.ServerCapabilityDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities[decl.CapabilityID] = decl
	if decl.ServerName != "" {
		m.serverIndex[decl.ServerName] = decl.CapabilityID
	}
	return nil
}

func (m *MemoryBackend) GetCapability(ctx context.Context, id string) (models.ServerCapabilityDeclaration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	decl, ok := m.capabilities[id]
	if !ok {
		return models.ServerCapabilityDeclaration{}, fmt.Errorf("%w: capability %s", ErrNotFound, id)
	}
	return decl, nil
}

func (m *MemoryBackend) ListCapabilities(ctx context.Context) ([]models.ServerCapabilityDeclaration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ServerCapabilityDeclaration, 0, len(m.capabilities))
	for _, c := range m.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryBackend) LookupServerName(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.serverIndex[name]
	if !ok {
		return "", fmt.Errorf("%w: server %s", ErrNotFound, name)
	}
	return id, nil
}
