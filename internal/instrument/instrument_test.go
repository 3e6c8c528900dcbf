package instrument

import (
	"testing"

	"github.com/algosandbox/core/internal/config"
	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/store"
)

func newTestConfig(t *testing.T) *config.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.New(st)
	if err := cfg.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return cfg
}

func TestIsOption(t *testing.T) {
	cases := []struct {
		symbol, exchange string
		want             bool
	}{
		{"NIFTY24AUGCE", "NFO", true},
		{"NIFTY24AUGPE", "BFO", true},
		{"NIFTY24AUGFUT", "NFO", false},
		{"RELIANCE", "NSE", false},
		{"NIFTY24AUGCE", "NSE", false}, // not a derivative exchange
	}
	for _, c := range cases {
		if got := IsOption(c.symbol, c.exchange); got != c.want {
			t.Errorf("IsOption(%q, %q) = %v, want %v", c.symbol, c.exchange, got, c.want)
		}
	}
}

func TestIsFuture(t *testing.T) {
	cases := []struct {
		symbol, exchange string
		want             bool
	}{
		{"NIFTY24AUGFUT", "NFO", true},
		{"CRUDEOILFUT", "MCX", true},
		{"NIFTY24AUGCE", "NFO", false},
		{"NIFTY24AUGFUT", "NSE", false},
	}
	for _, c := range cases {
		if got := IsFuture(c.symbol, c.exchange); got != c.want {
			t.Errorf("IsFuture(%q, %q) = %v, want %v", c.symbol, c.exchange, got, c.want)
		}
	}
}

func TestLeverageFor(t *testing.T) {
	cfg := newTestConfig(t)

	cases := []struct {
		name             string
		symbol, exchange string
		product          models.Product
		action           models.Action
		want             string
	}{
		{"equity MIS", "RELIANCE", "NSE", models.ProductMIS, models.ActionBuy, "5"},
		{"equity CNC", "RELIANCE", "BSE", models.ProductCNC, models.ActionBuy, "1"},
		{"equity NRML", "RELIANCE", "NSE", models.ProductNRML, models.ActionSell, "1"},
		{"option buy", "NIFTY24AUGCE", "NFO", models.ProductNRML, models.ActionBuy, "1"},
		{"option sell", "NIFTY24AUGPE", "NFO", models.ProductNRML, models.ActionSell, "1"},
		{"future", "NIFTY24AUGFUT", "NFO", models.ProductNRML, models.ActionBuy, "1"},
		{"neither option nor future falls back to 1x", "GOLDCOIN", "MCX", models.ProductCNC, models.ActionBuy, "1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := LeverageFor(cfg, c.symbol, c.exchange, c.product, c.action)
			if err != nil {
				t.Fatalf("LeverageFor: %v", err)
			}
			if got.String() != c.want {
				t.Errorf("LeverageFor(%s) = %s, want %s", c.name, got, c.want)
			}
		})
	}
}
