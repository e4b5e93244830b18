package types

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"buy", ActionBuy, false},
		{"BUY", ActionBuy, false},
		{"long", ActionBuy, false},
		{"sell", ActionSell, false},
		{"short", ActionSell, false},
		{"close", ActionClose, false},
		{"exit", ActionClose, false},
		{"  Close ", ActionClose, false},
		{"hold", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAction(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAction(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAction(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAction(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSideSign(t *testing.T) {
	t.Parallel()

	if !SideLong.Sign().Equal(decimal.NewFromInt(1)) {
		t.Errorf("LONG sign = %v, want 1", SideLong.Sign())
	}
	if !SideShort.Sign().Equal(decimal.NewFromInt(-1)) {
		t.Errorf("SHORT sign = %v, want -1", SideShort.Sign())
	}
}

func TestOrderSideOpposite(t *testing.T) {
	t.Parallel()

	if OrderBuy.Opposite() != OrderSell {
		t.Errorf("Buy.Opposite() = %v", OrderBuy.Opposite())
	}
	if OrderSell.Opposite() != OrderBuy {
		t.Errorf("Sell.Opposite() = %v", OrderSell.Opposite())
	}
}

func TestBracketSpecHasTPAndSL(t *testing.T) {
	t.Parallel()

	var empty BracketSpec
	if empty.HasTP() || empty.HasSL() {
		t.Error("empty spec should have neither TP nor SL")
	}

	spec := BracketSpec{
		TPValue: decimal.NewFromInt(40),
		TPUnit:  UnitTicks,
		SLValue: decimal.NewFromInt(20),
		SLUnit:  UnitTicks,
		SLType:  StopFixed,
	}
	if !spec.HasTP() || !spec.HasSL() {
		t.Error("spec with positive values should have TP and SL")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	be := NewBrokerError(ErrBrokerRejected, "place_order", "insufficient margin", nil)
	if KindOf(be) != ErrBrokerRejected {
		t.Errorf("KindOf = %v, want %v", KindOf(be), ErrBrokerRejected)
	}
	if KindOf(errors.New("plain")) != ErrTransportUnreachable {
		t.Errorf("untyped error should map to transport_unreachable")
	}
}

func TestExecutionTaskPartitionKey(t *testing.T) {
	t.Parallel()

	a := ExecutionTask{TraderID: 7, Ticker: "MNQ1!"}
	b := ExecutionTask{TraderID: 7, Ticker: "MNQ1!"}
	c := ExecutionTask{TraderID: 8, Ticker: "MNQ1!"}

	if a.PartitionKey() != b.PartitionKey() {
		t.Error("same trader+ticker should share a partition")
	}
	if a.PartitionKey() == c.PartitionKey() {
		t.Error("different traders must not share a partition")
	}
}
