package textutil

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// DefaultCurrency is used when a caller passes an empty or unknown ISO code.
const DefaultCurrency = "INR"

var defaultLocale = language.MustParse("en-IN")

// FormatAmount renders amount with its currency symbol and locale grouping, for example "₹1,234.50".
func FormatAmount(amount decimal.Decimal, code string, tag language.Tag) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		unit = currency.INR
	}
	if tag == language.Und {
		tag = defaultLocale
	}
	p := message.NewPrinter(tag)
	symbol := strings.TrimSpace(p.Sprint(currency.Symbol(unit)))
	digits := p.Sprint(number.Decimal(amount.Round(2).InexactFloat64(), number.Scale(2)))
	if amount.IsNegative() {
		return "-" + symbol + strings.TrimPrefix(digits, "-")
	}
	return symbol + digits
}
