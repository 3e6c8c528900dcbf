package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/algosandbox/core/internal/models"
	"github.com/algosandbox/core/internal/quotes"
)

func TestTriggered_Limit(t *testing.T) {
	buy := models.Order{Action: models.ActionBuy, PriceType: models.PriceTypeLimit, Price: decimal.NewNullDecimal(decimal.NewFromInt(100))}
	if fire, _ := triggered(buy, quotes.Quote{LTP: 101}); fire {
		t.Errorf("BUY LIMIT@100 should not fire at ltp 101")
	}
	if fire, price := triggered(buy, quotes.Quote{LTP: 99}); !fire || !price.Equal(decimal.NewFromInt(99)) {
		t.Errorf("BUY LIMIT@100 should fire at ltp 99, got fire=%v price=%s", fire, price)
	}

	sell := models.Order{Action: models.ActionSell, PriceType: models.PriceTypeLimit, Price: decimal.NewNullDecimal(decimal.NewFromInt(100))}
	if fire, _ := triggered(sell, quotes.Quote{LTP: 99}); fire {
		t.Errorf("SELL LIMIT@100 should not fire at ltp 99")
	}
	if fire, price := triggered(sell, quotes.Quote{LTP: 101}); !fire || !price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("SELL LIMIT@100 should fire at ltp 101, got fire=%v price=%s", fire, price)
	}
}

func TestTriggered_StopLoss(t *testing.T) {
	// BUY SL: fires once ltp has risen to/through trigger, capped at price.
	o := models.Order{
		Action: models.ActionBuy, PriceType: models.PriceTypeSL,
		TriggerPrice: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Price:        decimal.NewNullDecimal(decimal.NewFromInt(105)),
	}
	if fire, _ := triggered(o, quotes.Quote{LTP: 99}); fire {
		t.Errorf("BUY SL should not fire below trigger")
	}
	if fire, _ := triggered(o, quotes.Quote{LTP: 102}); !fire {
		t.Errorf("BUY SL should fire between trigger and price")
	}
	if fire, _ := triggered(o, quotes.Quote{LTP: 110}); fire {
		t.Errorf("BUY SL should not fire past price ceiling")
	}
}

func TestTriggered_StopLossMarket(t *testing.T) {
	o := models.Order{
		Action: models.ActionSell, PriceType: models.PriceTypeSLM,
		TriggerPrice: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}
	if fire, _ := triggered(o, quotes.Quote{LTP: 101}); fire {
		t.Errorf("SELL SL-M should not fire above trigger")
	}
	if fire, price := triggered(o, quotes.Quote{LTP: 95}); !fire || !price.Equal(decimal.NewFromInt(95)) {
		t.Errorf("SELL SL-M should fire at/below trigger, got fire=%v price=%s", fire, price)
	}
}

func TestTriggered_MarketOrdersNeverMatch(t *testing.T) {
	o := models.Order{Action: models.ActionBuy, PriceType: models.PriceTypeMarket}
	if fire, _ := triggered(o, quotes.Quote{LTP: 100}); fire {
		t.Errorf("MARKET orders must never be matched by the tick loop (they fill inline at placement)")
	}
}
