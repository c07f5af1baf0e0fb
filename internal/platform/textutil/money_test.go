package textutil

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

func TestFormatAmountGroupsDigits(t *testing.T) {
	got := FormatAmount(decimal.RequireFromString("1234.5"), "INR", language.English)
	if !strings.HasSuffix(got, "1,234.50") {
		t.Fatalf("expected grouped two-decimal amount, got %q", got)
	}
}

func TestFormatAmountFallsBackToDefaultCurrency(t *testing.T) {
	fallback := FormatAmount(decimal.NewFromInt(5), "???", language.English)
	inr := FormatAmount(decimal.NewFromInt(5), DefaultCurrency, language.English)
	if fallback != inr {
		t.Fatalf("expected unknown codes to format as %s, got %q vs %q", DefaultCurrency, fallback, inr)
	}
}
