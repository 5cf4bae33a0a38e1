package constraints

// Schema tags accepted in an operation envelope.
const (
	SchemaCustomer      = "customer.v1"
	SchemaProduct       = "product.v1"
	SchemaBill          = "bill.v1"
	SchemaBillItem      = "bill_item.v1"
	SchemaStockMovement = "stock_movement.v1"
)

// Collections are the remote collections and local business tables that operations address.
const (
	CollectionCustomers      = "customers"
	CollectionProducts       = "products"
	CollectionBills          = "bills"
	CollectionBillItems      = "bill_items"
	CollectionStockMovements = "stock_movements"
)

// SchemaCollections maps each schema tag to the collection it writes to.
var SchemaCollections = map[string]string{
	SchemaCustomer:      CollectionCustomers,
	SchemaProduct:       CollectionProducts,
	SchemaBill:          CollectionBills,
	SchemaBillItem:      CollectionBillItems,
	SchemaStockMovement: CollectionStockMovements,
}

// IsKnownCollection reports whether name is one of the synced collections.
func IsKnownCollection(name string) bool {
	for _, c := range SchemaCollections {
		if c == name {
			return true
		}
	}
	return false
}

// Stream event kinds.
const (
	KindStats  = "stats"
	KindResult = "result"
	KindPing   = "ping"
	KindReset  = "reset"
)
