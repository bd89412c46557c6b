package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{"whole", "100", 10000, false},
		{"cents", "50.25", 5025, false},
		{"one decimal", "0.5", 50, false},
		{"zero", "0", 0, false},
		{"too precise", "1.005", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMinor(decimal.RequireFromString(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToMinor(%s) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ToMinor(%s) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromMinorRoundTrip(t *testing.T) {
	d := FromMinor(12345)
	if !d.Equal(decimal.RequireFromString("123.45")) {
		t.Errorf("FromMinor(12345) = %s, want 123.45", d)
	}
	if m := MustMinor(d); m != 12345 {
		t.Errorf("MustMinor(%s) = %d, want 12345", d, m)
	}
}

func TestValid(t *testing.T) {
	if Valid(decimal.RequireFromString("-1")) {
		t.Error("negative amount should be invalid")
	}
	if !Valid(decimal.RequireFromString("10.10")) {
		t.Error("10.10 should be valid")
	}
}
