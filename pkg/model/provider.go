package model

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Yiling-J/theine-go"
	"sigs.k8s.io/yaml"
)

// Provider resolves a model definition for a tenant. Implementations must
// be safe for concurrent use after startup.
type Provider interface {
	GetModel(ctx context.Context, tenant, name string) (*Model, error)
}

// StaticProvider serves models registered at startup. Registration is not
// synchronized with lookups and must finish before the first request.
type StaticProvider struct {
	models map[string]*Model
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{models: make(map[string]*Model)}
}

// Register adds or replaces a model definition. Models are shared across
// tenants; per-tenant definitions come from a storage backed provider.
func (p *StaticProvider) Register(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	p.models[m.Name] = m
	return nil
}

func (p *StaticProvider) GetModel(_ context.Context, _ string, name string) (*Model, error) {
	m, ok := p.models[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrModelNotFound)
	}
	return m, nil
}

// definitionsFile is the YAML shape accepted by NewFileProvider.
type definitionsFile struct {
	Models []Model `json:"models"`
}

// NewFileProvider loads model definitions from a YAML file.
func NewFileProvider(path string) (*StaticProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model definitions: %w", err)
	}

	var defs definitionsFile
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse model definitions: %w", err)
	}

	provider := NewStaticProvider()
	for i := range defs.Models {
		if err := provider.Register(&defs.Models[i]); err != nil {
			return nil, err
		}
	}
	return provider, nil
}

// CachedProvider fronts another Provider with an in-memory TTL cache so the
// hot path does not pay a metadata lookup per pipeline run.
type CachedProvider struct {
	inner Provider
	cache *theine.Cache[string, *Model]
	ttl   time.Duration
}

var _ Provider = (*CachedProvider)(nil)

const defaultCacheSize = 10_000

func NewCachedProvider(inner Provider, ttl time.Duration) (*CachedProvider, error) {
	cache, err := theine.NewBuilder[string, *Model](defaultCacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build model cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache, ttl: ttl}, nil
}

func (p *CachedProvider) GetModel(ctx context.Context, tenant, name string) (*Model, error) {
	key := tenant + "/" + name
	if m, ok := p.cache.Get(key); ok {
		return m, nil
	}

	m, err := p.inner.GetModel(ctx, tenant, name)
	if err != nil {
		return nil, err
	}
	p.cache.SetWithTTL(key, m, 1, p.ttl)
	return m, nil
}

// Invalidate drops the cached entry for one (tenant, model) pair. Callers
// mutating model definitions at runtime must invalidate before serving.
func (p *CachedProvider) Invalidate(tenant, name string) {
	p.cache.Delete(tenant + "/" + name)
}
