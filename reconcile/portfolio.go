package reconcile

import "github.com/emes/credit-reconciler/credit"

// =============================================================================
// PORTFOLIO - One run's invoices grouped by customer
// =============================================================================

// Portfolio groups invoices by tax ID in first-seen order. It owns the
// invoice pointers for the duration of a run; only the allocator mutates
// them, one payment at a time.
type Portfolio struct {
	order   []string
	byTaxID map[string][]*credit.Invoice

	touched      map[string]*credit.Invoice
	touchedOrder []string
}

// NewPortfolio groups invoices. Nil entries are dropped; a customer only
// exists once one of its invoices is seen.
func NewPortfolio(invoices []*credit.Invoice) *Portfolio {
	p := &Portfolio{
		byTaxID: make(map[string][]*credit.Invoice),
		touched: make(map[string]*credit.Invoice),
	}
	for _, inv := range invoices {
		if inv == nil {
			continue
		}
		if _, ok := p.byTaxID[inv.TaxID]; !ok {
			p.order = append(p.order, inv.TaxID)
		}
		p.byTaxID[inv.TaxID] = append(p.byTaxID[inv.TaxID], inv)
	}
	return p
}

// TaxIDs lists customers in first-seen order.
func (p *Portfolio) TaxIDs() []string {
	return append([]string(nil), p.order...)
}

func (p *Portfolio) Len() int { return len(p.order) }

// Invoices returns the customer's invoices, nil when the customer is unknown.
func (p *Portfolio) Invoices(taxID string) []*credit.Invoice {
	return p.byTaxID[taxID]
}

// Customer synthesizes the customer from its first invoice.
func (p *Portfolio) Customer(taxID string) (credit.Customer, bool) {
	group := p.byTaxID[taxID]
	if len(group) == 0 {
		return credit.Customer{}, false
	}
	return credit.CustomerFromInvoice(group[0]), true
}

// MarkTouched remembers the invoices a result allocated money to.
func (p *Portfolio) MarkTouched(result *credit.PaymentResult) {
	group := p.byTaxID[result.TaxID]
	for _, a := range result.Allocations {
		if _, seen := p.touched[a.InvoiceID]; seen {
			continue
		}
		for _, inv := range group {
			if inv.ID == a.InvoiceID {
				p.touched[a.InvoiceID] = inv
				p.touchedOrder = append(p.touchedOrder, a.InvoiceID)
				break
			}
		}
	}
}

// Touched returns the invoices changed during the run, in the order they
// were first changed.
func (p *Portfolio) Touched() []*credit.Invoice {
	out := make([]*credit.Invoice, 0, len(p.touchedOrder))
	for _, id := range p.touchedOrder {
		out = append(out, p.touched[id])
	}
	return out
}
