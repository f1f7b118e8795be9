package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	hundred = decimal.NewFromInt(100)
	ten     = decimal.NewFromInt(10)
)

// number accepts a JSON number or a string-encoded number such as "2,150"
// or "2150.00". Empty strings, "NA" and any other unparseable text decode as
// absent; unparseable text is kept in invalid so the row can be logged.
type number struct {
	value   decimal.Decimal
	set     bool
	invalid string
}

func (n *number) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*n = number{}
		return nil
	}
	text := strings.TrimSpace(strings.Trim(string(raw), `"`))
	text = strings.ReplaceAll(text, ",", "")
	if text == "" || strings.EqualFold(text, "na") || text == "-" {
		*n = number{}
		return nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		*n = number{invalid: text}
		return nil
	}
	*n = number{value: d, set: true}
	return nil
}

// Float returns the value, or 0 when absent.
func (n number) Float() float64 {
	if !n.set {
		return 0
	}
	return n.value.InexactFloat64()
}

var errUnknownUnit = errors.New("unknown price unit")

// toQuintal converts a price quoted in unit into Rs/quintal.
func toQuintal(price decimal.Decimal, unit string) (decimal.Decimal, error) {
	u := strings.ToLower(strings.ReplaceAll(unit, " ", ""))
	u = strings.TrimPrefix(u, "rs.")
	u = strings.TrimPrefix(u, "rs")
	u = strings.TrimPrefix(u, "/")
	switch u {
	case "", "quintal", "qtl", "perquintal":
		return price, nil
	case "kg", "perkg":
		return price.Mul(hundred), nil
	case "tonne", "ton", "mt", "pertonne":
		return price.Div(ten), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %q", errUnknownUnit, unit)
	}
}

// upstreamCommodity renders a commodity key the way Indian market portals
// spell it ("onion" -> "Onion", "green chilli" -> "Green Chilli").
// A Caser is stateful, so each call builds its own.
func upstreamCommodity(commodity string) string {
	return cases.Title(language.English).String(strings.TrimSpace(commodity))
}
