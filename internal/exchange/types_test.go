package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Fatalf("expected sell, got %s", SideBuy.Opposite())
	}
	if SideSell.Opposite() != SideBuy {
		t.Fatalf("expected buy, got %s", SideSell.Opposite())
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusFilled, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusOpen} {
		if s.Terminal() {
			t.Fatalf("expected %s not terminal", s)
		}
	}
}

func TestPositionFromFills(t *testing.T) {
	fills := []Order{
		{Side: SideBuy, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2), Status: StatusFilled},
		{Side: SideBuy, Price: decimal.NewFromInt(110), Quantity: decimal.NewFromInt(1), Status: StatusFilled},
		{Side: SideSell, Price: decimal.NewFromInt(120), Quantity: decimal.NewFromInt(1), Status: StatusFilled},
		{Side: SideBuy, Price: decimal.NewFromInt(999), Quantity: decimal.NewFromInt(5), Status: StatusOpen},
	}
	pos := PositionFromFills("grvt", "BTC-USDT", fills)
	if !pos.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected net quantity 2, got %s", pos.Quantity)
	}
	// (100*2 + 110*1 - 120*1) / 2 = 95
	if !pos.EntryPrice.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("expected entry price 95, got %s", pos.EntryPrice)
	}
	if pos.Side() != SideBuy {
		t.Fatalf("expected long position")
	}
}

func TestPositionFromFillsFlat(t *testing.T) {
	fills := []Order{
		{Side: SideBuy, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Status: StatusFilled},
		{Side: SideSell, Price: decimal.NewFromInt(105), Quantity: decimal.NewFromInt(1), Status: StatusFilled},
	}
	pos := PositionFromFills("grvt", "BTC-USDT", fills)
	if !pos.Flat() {
		t.Fatalf("expected flat position, got %s", pos.Quantity)
	}
}

func TestBestBidAskValid(t *testing.T) {
	ok := BestBidAsk{Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(100)}
	if !ok.Valid() {
		t.Fatalf("expected valid book")
	}
	crossed := BestBidAsk{Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(100)}
	if crossed.Valid() {
		t.Fatalf("expected crossed book invalid")
	}
	empty := BestBidAsk{}
	if empty.Valid() {
		t.Fatalf("expected empty book invalid")
	}
}

func TestRegistry(t *testing.T) {
	Register("testvenue", func(instrument string) (Client, error) {
		return nil, nil
	})
	if _, err := New("testvenue", "BTC-USDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := New("missing", "BTC-USDT"); err == nil {
		t.Fatalf("expected error for unregistered venue")
	}
}
