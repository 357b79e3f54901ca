package store

// FieldDefinition is a catalogued field code. A payload label with no
// definition is persisted as an unknown field (NULL definition ref).
type FieldDefinition struct {
	ID          int64
	Code        string
	Section     string
	DataType    string
	Description string
}

// Definitions indexes the seeded catalogue by code for the payload walk.
type Definitions map[string]FieldDefinition

func (d Definitions) Lookup(code string) (FieldDefinition, bool) {
	def, ok := d[code]
	return def, ok
}

// seedDefinitions is the initial catalogue shipped with the migrations.
// New codes added later reclassify previously-unknown fields without
// touching their raw values.
var seedDefinitions = []FieldDefinition{
	{Code: "document_number", Section: "document_info", DataType: "text", Description: "Document number as printed"},
	{Code: "document_date", Section: "document_info", DataType: "date", Description: "Issue date"},
	{Code: "due_date", Section: "document_info", DataType: "date", Description: "Payment due date"},
	{Code: "delivery_date", Section: "document_info", DataType: "date", Description: "Delivery date"},
	{Code: "currency", Section: "document_info", DataType: "text", Description: "Currency as printed"},
	{Code: "language", Section: "document_info", DataType: "text", Description: "Detected document language"},
	{Code: "country", Section: "document_info", DataType: "text", Description: "Issuing country"},
	{Code: "contract_number", Section: "document_info", DataType: "text", Description: "Referenced contract"},
	{Code: "order_number", Section: "document_info", DataType: "text", Description: "Referenced order"},
	{Code: "payment_terms", Section: "document_info", DataType: "text", Description: "Payment terms"},
	{Code: "place_of_issue", Section: "document_info", DataType: "text", Description: "Place of issue"},

	{Code: "supplier_name", Section: "parties", DataType: "text", Description: "Supplier legal name"},
	{Code: "supplier_tax_id", Section: "parties", DataType: "text", Description: "Supplier tax id as printed"},
	{Code: "supplier_vat_id", Section: "parties", DataType: "text", Description: "Supplier VAT id"},
	{Code: "supplier_address", Section: "parties", DataType: "text", Description: "Supplier address"},
	{Code: "supplier_bank", Section: "parties", DataType: "text", Description: "Supplier banking details"},
	{Code: "buyer_name", Section: "parties", DataType: "text", Description: "Buyer legal name"},
	{Code: "buyer_tax_id", Section: "parties", DataType: "text", Description: "Buyer tax id as printed"},
	{Code: "buyer_vat_id", Section: "parties", DataType: "text", Description: "Buyer VAT id"},
	{Code: "buyer_address", Section: "parties", DataType: "text", Description: "Buyer address"},
	{Code: "buyer_bank", Section: "parties", DataType: "text", Description: "Buyer banking details"},

	{Code: "total", Section: "totals", DataType: "number", Description: "Grand total"},
	{Code: "subtotal", Section: "totals", DataType: "number", Description: "Total before tax"},
	{Code: "vat_amount", Section: "totals", DataType: "number", Description: "VAT amount"},
	{Code: "vat_rate", Section: "totals", DataType: "number", Description: "VAT rate"},
	{Code: "discount", Section: "totals", DataType: "number", Description: "Discount amount"},
	{Code: "amount_due", Section: "totals", DataType: "number", Description: "Amount due"},

	{Code: "total_in_words", Section: "amounts_in_words", DataType: "text", Description: "Total spelled out"},
	{Code: "vat_in_words", Section: "amounts_in_words", DataType: "text", Description: "VAT spelled out"},
}

// SeedDefinitions returns the shipped catalogue keyed by code, for callers
// that need the walk without a database round trip.
func SeedDefinitions() Definitions {
	defs := make(Definitions, len(seedDefinitions))
	for _, d := range seedDefinitions {
		defs[d.Code] = d
	}
	return defs
}
