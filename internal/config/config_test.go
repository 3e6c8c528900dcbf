package config

import (
	"testing"

	"github.com/algosandbox/core/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := New(st)
	if err := cfg.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return cfg
}

func TestBootstrap_SeedsDefaultsOnce(t *testing.T) {
	cfg := newTestStore(t)
	v, err := cfg.String(KeyStartingCapital)
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	if v != "1000000" {
		t.Errorf("starting_capital default = %q, want 1000000", v)
	}

	// re-bootstrapping must not clobber a value already set by the user
	if err := cfg.Set(KeyStartingCapital, "500000"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cfg.Bootstrap(); err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	v, _ = cfg.String(KeyStartingCapital)
	if v != "500000" {
		t.Errorf("starting_capital after re-bootstrap = %q, want 500000 (not reseeded)", v)
	}
}

func TestSet_RejectsOutOfRangeStartingCapital(t *testing.T) {
	cfg := newTestStore(t)
	if err := cfg.Set(KeyStartingCapital, "999"); err == nil {
		t.Fatal("expected error for an unsupported starting_capital value")
	}
}

func TestSet_RejectsMalformedClockTime(t *testing.T) {
	cfg := newTestStore(t)
	if err := cfg.Set(KeyNSEBSESquareOffTime, "25:99"); err == nil {
		t.Fatal("expected error for an invalid HH:MM")
	}
}

func TestSet_RejectsLeverageOutOfRange(t *testing.T) {
	cfg := newTestStore(t)
	if err := cfg.Set(KeyEquityMISLeverage, "0"); err == nil {
		t.Fatal("expected error for leverage below the [1,50] range")
	}
	if err := cfg.Set(KeyEquityMISLeverage, "51"); err == nil {
		t.Fatal("expected error for leverage above the [1,50] range")
	}
}

func TestSet_FiresHooksOnlyAfterSuccessfulWrite(t *testing.T) {
	cfg := newTestStore(t)
	var gotOld, gotNew string
	fired := 0
	cfg.OnChange(func(key, oldValue, newValue string) {
		fired++
		gotOld, gotNew = oldValue, newValue
	})

	if err := cfg.Set(KeyOrderCheckInterval, "not-a-number"); err == nil {
		t.Fatal("expected validation error")
	}
	if fired != 0 {
		t.Fatalf("hook fired %d times on a rejected write, want 0", fired)
	}

	if err := cfg.Set(KeyOrderCheckInterval, "5"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}
	if gotOld != "2" || gotNew != "5" {
		t.Errorf("hook args = (%q, %q), want (2, 5)", gotOld, gotNew)
	}
}

func TestClockTime_ParsesHHMM(t *testing.T) {
	cfg := newTestStore(t)
	h, m, err := cfg.ClockTime(KeyNSEBSESquareOffTime)
	if err != nil {
		t.Fatalf("ClockTime: %v", err)
	}
	if h != 15 || m != 15 {
		t.Errorf("ClockTime = %d:%d, want 15:15", h, m)
	}
}

func TestExchangeGroup(t *testing.T) {
	cases := map[string]string{"NSE": "NSE_BSE", "BFO": "NSE_BSE", "CDS": "CDS_BCD", "MCX": "MCX", "NCDEX": "NCDEX"}
	for exchange, want := range cases {
		got, ok := ExchangeGroup(exchange)
		if !ok || got != want {
			t.Errorf("ExchangeGroup(%q) = (%q, %v), want (%q, true)", exchange, got, ok, want)
		}
	}
	if _, ok := ExchangeGroup("UNKNOWN"); ok {
		t.Errorf("ExchangeGroup(UNKNOWN) should report not-ok")
	}
}
