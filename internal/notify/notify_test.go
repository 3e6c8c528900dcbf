package notify

import "testing"

// An empty token disables notifications entirely; every method on a nil
// Notifier must be safe to call without a network round trip.
func TestNew_EmptyTokenDisablesNotifier(t *testing.T) {
	n, err := New("", 0)
	if err != nil {
		t.Fatalf("New(\"\", 0): %v", err)
	}
	if n != nil {
		t.Fatalf("New(\"\", 0) = %+v, want nil", n)
	}

	n.Squareoff("NSE_BSE", 1, 2)
	n.Settlement(3)
	n.AutoReset(4)
}
