// Package catalog enumerates the accounting resource types loaded from the
// provider and their demo-data fallback identifiers.
package catalog

// ResourceType identifies one category of accounting data.
type ResourceType string

const (
	Organization     ResourceType = "organization"
	Contacts         ResourceType = "contacts"
	Accounts         ResourceType = "accounts"
	Invoices         ResourceType = "invoices"
	Items            ResourceType = "items"
	BankTransactions ResourceType = "bank-transactions"
	TaxRates         ResourceType = "tax-rates"
	Receipts         ResourceType = "receipts"
	PurchaseOrders   ResourceType = "purchase-orders"
	Quotes           ResourceType = "quotes"

	// AllBasicData is the aggregate cache key summarizing a full sync run.
	// It is not a fetchable resource type.
	AllBasicData ResourceType = "all-basic-data"
)

// DemoTenantID is the well-known tenant identifier used when no live tenant
// is available, so the console can still demonstrate data loading.
const DemoTenantID = "demo-org"

// all lists every fetchable resource type in load order. The order is fixed:
// the orchestrator walks it sequentially to respect provider rate limits.
var all = []ResourceType{
	Organization,
	Contacts,
	Accounts,
	Invoices,
	Items,
	BankTransactions,
	TaxRates,
	Receipts,
	PurchaseOrders,
	Quotes,
}

// demoIDs maps each resource type to the dataset name served by the demo
// endpoints.
var demoIDs = map[ResourceType]string{
	Organization:     "demo-organization",
	Contacts:         "demo-contacts",
	Accounts:         "demo-accounts",
	Invoices:         "demo-invoices",
	Items:            "demo-items",
	BankTransactions: "demo-bank-transactions",
	TaxRates:         "demo-tax-rates",
	Receipts:         "demo-receipts",
	PurchaseOrders:   "demo-purchase-orders",
	Quotes:           "demo-quotes",
}

// All returns the fetchable resource types in load order. Callers must not
// modify the returned slice.
func All() []ResourceType {
	return all
}

// Count returns the number of fetchable resource types.
func Count() int {
	return len(all)
}

// Valid reports whether rt names a fetchable resource type.
func Valid(rt ResourceType) bool {
	_, ok := demoIDs[rt]
	return ok
}

// DemoID returns the demo dataset identifier for a resource type, or the
// empty string if rt is not fetchable.
func DemoID(rt ResourceType) string {
	return demoIDs[rt]
}

// String implements fmt.Stringer.
func (rt ResourceType) String() string {
	return string(rt)
}
