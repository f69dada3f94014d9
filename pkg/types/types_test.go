package types

import "testing"

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()
	terminal := []OrderStatus{OrderFilled, OrderCanceled, OrderRejected, OrderExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	open := []OrderStatus{OrderNew, OrderPartiallyFilled}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if BUY.Opposite() != SELL {
		t.Errorf("BUY.Opposite() = %s, want SELL", BUY.Opposite())
	}
	if SELL.Opposite() != BUY {
		t.Errorf("SELL.Opposite() = %s, want BUY", SELL.Opposite())
	}
}
