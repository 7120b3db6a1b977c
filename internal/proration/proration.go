// Package proration prices a refunded quantity of an original invoice line.
//
// Historical invoices carry heterogeneous line shapes, so pricing is an
// ordered list of strategies. The first strategy able to price a line wins.
package proration

import (
	"github.com/shopspring/decimal"

	"tillcore/backend/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Amounts is a priced quantity split into net, tax and gross cents.
type Amounts struct {
	HTCents  int64
	TVACents int64
	TTCCents int64
}

func (a Amounts) Add(b Amounts) Amounts {
	return Amounts{HTCents: a.HTCents + b.HTCents, TVACents: a.TVACents + b.TVACents, TTCCents: a.TTCCents + b.TTCCents}
}

// Sub floors every component at zero.
func (a Amounts) Sub(b Amounts) Amounts {
	return Amounts{
		HTCents:  floor0(a.HTCents - b.HTCents),
		TVACents: floor0(a.TVACents - b.TVACents),
		TTCCents: floor0(a.TTCCents - b.TTCCents),
	}
}

// Strategy prices qty units of a line. ok is false when the line does not
// carry the fields the strategy relies on.
type Strategy interface {
	Name() string
	Prorate(line domain.InvoiceLine, qty int) (amounts Amounts, ok bool)
}

// LineTotals scales the line's stored totals by qty / original quantity.
type LineTotals struct{}

func (LineTotals) Name() string { return "line_totals" }

func (LineTotals) Prorate(line domain.InvoiceLine, qty int) (Amounts, bool) {
	if line.Quantity <= 0 {
		return Amounts{}, false
	}
	var ttc int64
	switch {
	case line.TotalTTCCents != nil:
		ttc = *line.TotalTTCCents
	case line.TotalHTCents != nil && line.TotalTVACents != nil:
		ttc = *line.TotalHTCents + *line.TotalTVACents
	default:
		return Amounts{}, false
	}

	out := Amounts{TTCCents: scale(ttc, qty, line.Quantity)}
	switch {
	case line.TotalHTCents != nil:
		out.HTCents = min(scale(*line.TotalHTCents, qty, line.Quantity), out.TTCCents)
	case line.TaxRatePercent != nil:
		out.HTCents = netOf(out.TTCCents, *line.TaxRatePercent)
	default:
		out.HTCents = out.TTCCents
	}
	out.TVACents = out.TTCCents - out.HTCents
	return out, true
}

// UnitPriceTTC multiplies the gross unit price, splitting tax out of it when
// the rate is known.
type UnitPriceTTC struct{}

func (UnitPriceTTC) Name() string { return "unit_price" }

func (UnitPriceTTC) Prorate(line domain.InvoiceLine, qty int) (Amounts, bool) {
	if line.UnitPriceCents == nil {
		return Amounts{}, false
	}
	ttc := *line.UnitPriceCents * int64(qty)
	ht := ttc
	if line.TaxRatePercent != nil {
		ht = netOf(ttc, *line.TaxRatePercent)
	}
	return Amounts{HTCents: ht, TVACents: ttc - ht, TTCCents: ttc}, true
}

// TaxRateSplit multiplies the net unit price and adds tax from the rate.
type TaxRateSplit struct{}

func (TaxRateSplit) Name() string { return "tax_rate" }

func (TaxRateSplit) Prorate(line domain.InvoiceLine, qty int) (Amounts, bool) {
	if line.UnitPriceHTCents == nil {
		return Amounts{}, false
	}
	ht := *line.UnitPriceHTCents * int64(qty)
	var tva int64
	if line.TaxRatePercent != nil {
		tva = decimal.NewFromInt(ht).Mul(decimal.NewFromFloat(*line.TaxRatePercent)).Div(hundred).Round(0).IntPart()
	}
	return Amounts{HTCents: ht, TVACents: tva, TTCCents: ht + tva}, true
}

// Chain tries each strategy in order.
type Chain []Strategy

// Default is line totals, then unit price, then tax-rate split.
var Default = Chain{LineTotals{}, UnitPriceTTC{}, TaxRateSplit{}}

// Prorate prices qty units of line and names the strategy that did it.
func (c Chain) Prorate(index int, line domain.InvoiceLine, qty int) (Amounts, string, error) {
	for _, s := range c {
		if amounts, ok := s.Prorate(line, qty); ok {
			return amounts, s.Name(), nil
		}
	}
	return Amounts{}, "", domain.NewError(domain.CodeUnpriceableLine, "line carries no usable price", map[string]any{
		"original_item_index": index,
		"name":                line.Name,
	})
}

// LineState is what earlier credit notes already took from one line.
type LineState struct {
	RefundedQty int
	Refunded    Amounts
}

func (s LineState) RemainingQty(line domain.InvoiceLine) int {
	return floor0Int(line.Quantity - s.RefundedQty)
}

// Settle prices a refund of qty units. When qty takes everything that is
// left on the line, the result is the line total minus what was already
// refunded, so successive partial refunds add up to the line total exactly.
func (c Chain) Settle(index int, line domain.InvoiceLine, qty int, state LineState) (Amounts, string, error) {
	if qty > 0 && qty == state.RemainingQty(line) && state.RefundedQty > 0 {
		whole, name, err := c.Prorate(index, line, line.Quantity)
		if err != nil {
			return Amounts{}, "", err
		}
		return whole.Sub(state.Refunded), name, nil
	}
	return c.Prorate(index, line, qty)
}

func scale(total int64, qty, of int) int64 {
	if qty == of {
		return total
	}
	return decimal.NewFromInt(total).Mul(decimal.NewFromInt(int64(qty))).Div(decimal.NewFromInt(int64(of))).Round(0).IntPart()
}

func netOf(ttc int64, ratePercent float64) int64 {
	divisor := one.Add(decimal.NewFromFloat(ratePercent).Div(hundred))
	if divisor.Sign() <= 0 {
		return ttc
	}
	return decimal.NewFromInt(ttc).Div(divisor).Round(0).IntPart()
}

// SplitTotal distributes gross onto net and tax in the proportion of lines.
// With no priced lines everything is net.
func SplitTotal(gross int64, lines Amounts) Amounts {
	if lines.TTCCents == gross {
		return lines
	}
	if lines.TTCCents <= 0 {
		return Amounts{HTCents: gross, TTCCents: gross}
	}
	ht := decimal.NewFromInt(lines.HTCents).Mul(decimal.NewFromInt(gross)).Div(decimal.NewFromInt(lines.TTCCents)).Round(0).IntPart()
	ht = min(ht, gross)
	return Amounts{HTCents: ht, TVACents: gross - ht, TTCCents: gross}
}

func floor0(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func floor0Int(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
