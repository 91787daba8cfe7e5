package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMoneyDisplay(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		display string
	}{
		{"USD", MustParseMoney("29.99", "USD"), "$29.99"},
		{"EUR whole", MustParseMoney("199", "eur"), "€199.00"},
		{"JPY", MustParseMoney("100", "jpy"), "¥100"},
		{"ZAR", MustParseMoney("9.5", "zar"), "R9.50"},
		{"Unknown", MustParseMoney("5", "chf"), "CHF 5.00"},
		{"Negative", MustParseMoney("-3.333", "usd"), "-$3.33"},
		{"Zero", Zero("usd"), "$0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.String(); got != tt.display {
				t.Errorf("got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := MustParseMoney("10.00", "usd")
	b := MustParseMoney("2.50", "usd")

	if got := a.Add(b); !got.Equal(MustParseMoney("12.5", "usd")) {
		t.Errorf("Add: got %s", got)
	}
	if got := b.Subtract(a); !got.IsNegative() {
		t.Errorf("Subtract: expected negative, got %s", got)
	}
	if got := a.Mul(decimal.NewFromFloat(0.5)); !got.Equal(MustParseMoney("5", "usd")) {
		t.Errorf("Mul: got %s", got)
	}
	if got := a.Div(decimal.NewFromInt(3)).Round(); got.FormatMajor() != "3.33" {
		t.Errorf("Div+Round: got %s", got.FormatMajor())
	}
}

func TestMoneyCurrencyMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on currency mismatch")
		}
	}()
	_ = MustParseMoney("1", "usd").Add(MustParseMoney("1", "eur"))
}

func TestMoneyDivisionByZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on division by zero")
		}
	}()
	_ = MustParseMoney("1", "usd").Div(decimal.Zero)
}

func TestParseMoneyInvalid(t *testing.T) {
	if _, err := ParseMoney("abc", "usd"); err == nil {
		t.Error("expected error for invalid amount")
	}
}

func TestMoneyJSON(t *testing.T) {
	original := MustParseMoney("49.90", "usd")
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if fields["display"] != "$49.90" {
		t.Errorf("display: got %q", fields["display"])
	}

	var restored Money
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !restored.Equal(original) {
		t.Errorf("round-trip: got %s, want %s", restored, original)
	}
}
