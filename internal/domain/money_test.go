package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"whole", "100", "100.00", false},
		{"cents", "40.25", "40.25", false},
		{"trailing zeros", "1.500", "1.50", false},
		{"zero", "0", "0.00", false},
		{"max", "999999999999999.99", "999999999999999.99", false},
		{"negative", "-1", "", true},
		{"three places", "1.001", "", true},
		{"too large", "1000000000000000", "", true},
		{"garbage", "ten", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("expected ErrInvalidAmount, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMoneyArithmetic(t *testing.T) {
	a := MustMoney("100.00")
	b := MustMoney("40.10")

	sum, err := a.Add(b)
	if err != nil || sum.String() != "140.10" {
		t.Fatalf("Add: got %s, %v", sum, err)
	}
	diff, err := a.Sub(b)
	if err != nil || diff.String() != "59.90" {
		t.Fatalf("Sub: got %s, %v", diff, err)
	}
	if _, err := b.Sub(a); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	if _, err := MustMoney("999999999999999.99").Add(MustMoney("0.01")); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestMoneyExactAccumulation(t *testing.T) {
	// 0.1 + 0.2 drifts in binary floating point.
	sum := Money{}
	for range 10 {
		var err error
		sum, err = sum.Add(MustMoney("0.10"))
		if err != nil {
			t.Fatal(err)
		}
	}
	if !sum.Equal(MustMoney("1.00")) {
		t.Errorf("got %s, want 1.00", sum)
	}
}

func TestMoneyPredicates(t *testing.T) {
	zero := Money{}
	one := MustMoney("0.01")
	if zero.IsPositive() || !zero.IsZero() {
		t.Error("zero value must be zero and not positive")
	}
	if !one.IsPositive() {
		t.Error("0.01 must be positive")
	}
	if !zero.LessThan(one) || one.Cmp(zero) != 1 {
		t.Error("ordering broken")
	}
	if !MustMoney("5").Equal(MustMoney("5.00")) {
		t.Error("5 and 5.00 must be equal")
	}
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(MustMoney("12.5"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"12.50"` {
		t.Errorf("got %s", b)
	}

	var fromString, fromNumber Money
	if err := json.Unmarshal([]byte(`"40.00"`), &fromString); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`40`), &fromNumber); err != nil {
		t.Fatal(err)
	}
	if !fromString.Equal(fromNumber) {
		t.Errorf("got %s and %s", fromString, fromNumber)
	}
	if err := json.Unmarshal([]byte(`"-3"`), &fromString); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSubscriptionMatches(t *testing.T) {
	s := Subscription{Events: []string{EventTransactionCompleted}}
	if !s.Matches(EventTransactionCompleted) || s.Matches("account.closed") {
		t.Error("explicit filter mismatch")
	}
	all := Subscription{Events: []string{EventAll}}
	if !all.Matches(EventTransactionCompleted) {
		t.Error("wildcard must match everything")
	}
}

func TestParseTransactionStatus(t *testing.T) {
	for _, s := range []string{"completed", "failed"} {
		if got, err := ParseTransactionStatus(s); err != nil || string(got) != s {
			t.Errorf("%s: got %q, %v", s, got, err)
		}
	}
	if _, err := ParseTransactionStatus("pending"); err == nil {
		t.Error("expected unknown status to be rejected")
	}
}
