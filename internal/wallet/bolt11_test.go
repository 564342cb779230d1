package wallet

import "testing"

func TestBolt11AmountMsats(t *testing.T) {
	cases := []struct {
		invoice string
		want    int64
		ok      bool
	}{
		{"lnbc500u1p3xnhl2pp5...", 50_000_000, true},
		{"lnbc2500n1p3xnhl2pp5...", 250_000, true},
		{"lnbc1m1p3xnhl2pp5...", 100_000_000, true},
		{"lnbc10p1p3xnhl2pp5...", 1, true},
		{"lnbc1pvjluezsp5...", 0, false},
	}
	for _, c := range cases {
		got, ok := bolt11AmountMsats(c.invoice)
		if ok != c.ok {
			t.Fatalf("%s: ok = %v, want %v", c.invoice, ok, c.ok)
		}
		if ok && got != c.want {
			t.Fatalf("%s: amount = %d, want %d", c.invoice, got, c.want)
		}
	}
}
