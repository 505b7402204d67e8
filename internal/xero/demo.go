package xero

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"xerolink/internal/catalog"
	dErrors "xerolink/pkg/domain-errors"
)

//go:embed demodata/*.yaml
var demoFS embed.FS

// DemoStore serves the read-only demo datasets used when live authorized
// access fails, keeping the console populated for demonstration.
type DemoStore struct {
	once     sync.Once
	loadErr  error
	payloads map[catalog.ResourceType]json.RawMessage
}

// NewDemoStore creates a demo store backed by the embedded datasets.
// Datasets are parsed lazily on first access.
func NewDemoStore() *DemoStore {
	return &DemoStore{}
}

func (d *DemoStore) load() {
	d.payloads = make(map[catalog.ResourceType]json.RawMessage, catalog.Count())
	for _, rt := range catalog.All() {
		data, err := demoFS.ReadFile("demodata/" + string(rt) + ".yaml")
		if err != nil {
			d.loadErr = fmt.Errorf("demo dataset %s: %w", rt, err)
			return
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			d.loadErr = fmt.Errorf("demo dataset %s: %w", rt, err)
			return
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			d.loadErr = fmt.Errorf("demo dataset %s: %w", rt, err)
			return
		}
		d.payloads[rt] = raw
	}
}

// Fetch returns the demo payload for a resource type.
func (d *DemoStore) Fetch(_ context.Context, rt catalog.ResourceType) (json.RawMessage, error) {
	d.once.Do(d.load)
	if d.loadErr != nil {
		return nil, dErrors.Wrap(d.loadErr, dErrors.CodeInternal, "demo datasets unavailable")
	}
	payload, ok := d.payloads[rt]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("no demo dataset for resource type %q", rt))
	}
	return payload, nil
}

// Healthy reports whether the embedded datasets parse, for readiness probes.
func (d *DemoStore) Healthy() error {
	d.once.Do(d.load)
	return d.loadErr
}

// DemoTenant is the tenant shown when the demo fallback is active.
func DemoTenant() Tenant {
	return Tenant{
		ID:   catalog.DemoTenantID,
		Name: "Demo Organisation",
		Type: "ORGANISATION",
	}
}
