package credits

import "github.com/shopspring/decimal"

// Package is a purchasable bundle. One credit buys one post.
type Package struct {
	Name     string          `json:"name"`
	Credits  int             `json:"credits"`
	Posts    int             `json:"posts"`
	PriceUSD decimal.Decimal `json:"price_usd"`
}

var bundles = []struct {
	name    string
	credits int
}{
	{"Basic", 10},
	{"Entrepreneur", 30},
	{"Professional", 100},
	{"Agency", 500},
}

var (
	discount30  = decimal.RequireFromString("0.90")
	discount100 = decimal.RequireFromString("0.85")
)

// Price is the undiscounted price of n credits.
func (l *Ledger) Price(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n)).Mul(l.options().PricePerCredit)
}

// Packages lists the bundles with volume discounts applied: 10% from 30
// credits, 15% from 100. Prices are rounded to cents.
func (l *Ledger) Packages() []Package {
	out := make([]Package, 0, len(bundles))
	for _, b := range bundles {
		price := l.Price(b.credits).Round(2)
		switch {
		case b.credits >= 100:
			price = price.Mul(discount100).Round(2)
		case b.credits >= 30:
			price = price.Mul(discount30).Round(2)
		}
		out = append(out, Package{Name: b.name, Credits: b.credits, Posts: b.credits, PriceUSD: price})
	}
	return out
}
