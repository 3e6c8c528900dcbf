package idgen

import (
	"strings"
	"testing"
)

func TestOrderAndTrade_DistinctPrefixesAndUnique(t *testing.T) {
	o1, o2 := Order(), Order()
	tr := Trade()

	if !strings.HasPrefix(o1, "O-") || !strings.HasPrefix(o2, "O-") {
		t.Errorf("Order() ids must carry the O- prefix, got %q and %q", o1, o2)
	}
	if !strings.HasPrefix(tr, "T-") {
		t.Errorf("Trade() id must carry the T- prefix, got %q", tr)
	}
	if o1 == o2 {
		t.Error("successive Order() calls must not collide")
	}
}
