package validation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"BDT", true},
		{"usd", true},

		// Invalid cases
		{"", false},
		{"US", false},
		{"USDT", false},
		{"U$D", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("orderId", "ORD-1"),
		ValidIdentifier("orderId", "ORD-1"),
		ValidCurrency("currency", "BDT"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("orderId", ""),
		ValidIdentifier("payerId", "has spaces"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
	if errors.Error() != "orderId: is required" {
		t.Errorf("unexpected message %q", errors.Error())
	}
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.01", true},
		{"500", true},

		// Invalid
		{"0", false},
		{"-1.00", false},
	}

	for _, tc := range tests {
		err := PositiveAmount("amount", decimal.RequireFromString(tc.value))()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("PositiveAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestAmountAtMost(t *testing.T) {
	limit := decimal.NewFromInt(25000)
	if err := AmountAtMost("amount", decimal.NewFromInt(25000), limit)(); err != nil {
		t.Error("Expected no error at limit")
	}
	if err := AmountAtMost("amount", decimal.NewFromInt(25001), limit)(); err == nil {
		t.Error("Expected error above limit")
	}
	if err := AmountAtMost("amount", decimal.NewFromInt(1e9), decimal.Zero)(); err != nil {
		t.Error("Expected zero limit to disable the check")
	}
}

func TestOneOf(t *testing.T) {
	allowed := []string{"bkash", "nagad", "card"}
	if err := OneOf("paymentMethod", "nagad", allowed)(); err != nil {
		t.Error("Expected nagad to be accepted")
	}
	err := OneOf("paymentMethod", "cash", allowed)()
	if err == nil {
		t.Fatal("Expected cash to be rejected")
	}
	if err.Message != "must be one of bkash, nagad, card" {
		t.Errorf("unexpected message %q", err.Message)
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
