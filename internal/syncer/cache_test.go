package syncer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xerolink/internal/catalog"
)

func loadedEntry(rt catalog.ResourceType, tenantID string) Entry {
	return Entry{
		Resource: rt,
		TenantID: tenantID,
		Payload:  json.RawMessage(`{"ok":true}`),
		Source:   SourceLive,
		LoadedAt: time.Now(),
	}
}

func TestCachePutAndGet(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-1")

	require.True(t, c.Put(loadedEntry(catalog.Contacts, "t-1")))
	e, ok := c.Get(catalog.Contacts)
	require.True(t, ok)
	assert.True(t, e.Loaded())

	_, ok = c.Get(catalog.Invoices)
	assert.False(t, ok)
}

func TestCacheRejectsForeignTenantWrites(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-2")

	assert.False(t, c.Put(loadedEntry(catalog.Contacts, "t-1")), "late results from an old tenant's run must be dropped")
	assert.Equal(t, 0, c.Len())
}

func TestTenantSwitchClearsEntries(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-1")
	c.Put(loadedEntry(catalog.Contacts, "t-1"))
	c.Put(loadedEntry(catalog.Accounts, "t-1"))

	c.SetTenant("t-2")
	assert.Equal(t, 0, c.Len(), "tenant A's rows must never show under tenant B")
	assert.Equal(t, "t-2", c.TenantID())

	// Re-pinning the same tenant keeps entries.
	c.Put(loadedEntry(catalog.Contacts, "t-2"))
	c.SetTenant("t-2")
	assert.Equal(t, 1, c.Len())
}

func TestEntryOverwrittenWhole(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-1")
	c.Put(loadedEntry(catalog.Contacts, "t-1"))

	c.Put(Entry{Resource: catalog.Contacts, TenantID: "t-1", Err: "boom"})
	e, ok := c.Get(catalog.Contacts)
	require.True(t, ok)
	assert.False(t, e.Loaded())
	assert.Empty(t, e.Payload, "entries are replaced, never merged")
}

func TestFullyLoaded(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-1")
	assert.False(t, c.FullyLoaded())

	for _, rt := range catalog.All() {
		c.Put(loadedEntry(rt, "t-1"))
	}
	assert.True(t, c.FullyLoaded())

	// An error marker breaks full coverage.
	c.Put(Entry{Resource: catalog.Quotes, TenantID: "t-1", Err: FailedToLoadMessage})
	assert.False(t, c.FullyLoaded())
}

func TestClear(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-1")
	c.Put(loadedEntry(catalog.Contacts, "t-1"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.TenantID())
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCache()
	c.SetTenant("t-1")
	c.Put(loadedEntry(catalog.Contacts, "t-1"))

	snap := c.Snapshot()
	delete(snap, catalog.Contacts)
	_, ok := c.Get(catalog.Contacts)
	assert.True(t, ok)
}
