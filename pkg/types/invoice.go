package types

// Vendor identifies the issuer of an invoice as extracted from the document.
type Vendor struct {
	Name    string `json:"name"`              // Required
	ID      string `json:"id,omitempty"`      // Supplier number, if the extractor found one
	TaxID   string `json:"taxId,omitempty"`   // VAT / tax registration number
	Address string `json:"address,omitempty"` // Free-form postal address
}

// LineItem is a single invoice position.
type LineItem struct {
	SKU         string  `json:"sku,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity,omitempty"`
	UnitPrice   float64 `json:"unitPrice,omitempty"`
	Total       float64 `json:"total,omitempty"`
}

// Invoice is the pipeline input contract.
type Invoice struct {
	ID                   string     `json:"id,omitempty"`
	Vendor               Vendor     `json:"vendor"`
	InvoiceDate          string     `json:"invoiceDate"`
	DueDate              string     `json:"dueDate,omitempty"`
	InvoiceNumber        string     `json:"invoiceNumber"`
	TotalAmount          float64    `json:"totalAmount"`
	Currency             string     `json:"currency"`
	LineItems            []LineItem `json:"lineItems"`
	PONumber             string     `json:"poNumber,omitempty"`
	Metadata             Metadata   `json:"metadata"`
	ExtractionConfidence *float64   `json:"extractionConfidence,omitempty"`
}

// NormalizedInvoice is the invoice after auto-applied corrections and, when a
// reviewer approved the invoice, the corrections that were pending review.
// Non-ISO dates and non-canonical currency codes are never rewritten silently:
// the heuristics propose them, which forces review until someone approves.
// Fields no correction touched keep their extracted values.
type NormalizedInvoice struct {
	ID            string            `json:"id"`
	Vendor        Vendor            `json:"vendor"`
	InvoiceDate   string            `json:"invoiceDate"`
	DueDate       string            `json:"dueDate,omitempty"`
	InvoiceNumber string            `json:"invoiceNumber"`
	TotalAmount   float64           `json:"totalAmount"`
	NetAmount     *float64          `json:"netAmount,omitempty"`
	TaxAmount     *float64          `json:"taxAmount,omitempty"`
	Currency      string            `json:"currency"`
	LineItems     []LineItem        `json:"lineItems"`
	PONumber      string            `json:"poNumber,omitempty"`
	Metadata      Metadata          `json:"metadata"`
	Extra         map[string]string `json:"extra,omitempty"` // Mapped fields without a dedicated slot
}
