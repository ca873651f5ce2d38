package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"avgbot/internal/exchange"
	"avgbot/internal/logger"
	"avgbot/internal/models"
	"avgbot/internal/ratelimit"

	"github.com/adshao/go-binance/v2/common"
)

type fakeVenue struct {
	markPriceCalls int
	markPrice      float64
	placeErr       error
	placeErrCount  int
	placeCalls     int
	usedWeight     int
}

func (f *fakeVenue) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	return exchange.InstrumentRules{TickSize: 0.01, LotSize: 0.001, MinQty: 0.001, MinNotional: 5}, nil
}

func (f *fakeVenue) GetPositions(ctx context.Context) ([]exchange.PositionState, error) {
	return nil, nil
}

func (f *fakeVenue) GetBalance(ctx context.Context) (exchange.Balance, error) {
	return exchange.Balance{Asset: "USDT", Wallet: 1000, Available: 1000}, nil
}

func (f *fakeVenue) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeVenue) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	f.markPriceCalls++
	return f.markPrice, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	f.placeCalls++
	if f.placeErr != nil && (f.placeErrCount == 0 || f.placeCalls <= f.placeErrCount) {
		return models.Order{}, f.placeErr
	}
	order.ID = "1"
	order.Status = models.OrderStatusNew
	return order, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeVenue) GetOrder(ctx context.Context, symbol, orderID, linkID string) (models.Order, error) {
	return models.Order{}, nil
}

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakeVenue) UsedWeight() int { return f.usedWeight }

func (f *fakeVenue) Subscribe(ctx context.Context, symbols []string) (<-chan exchange.Event, error) {
	return nil, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

func newTestGateway(venue exchange.Client, ceiling int) *Gateway {
	budget := ratelimit.NewBudget(ceiling)
	backoff := ratelimit.NewBackoff(20*time.Millisecond, 50*time.Millisecond)
	return New(venue, budget, backoff, 5*time.Second, testLogger())
}

func TestGatewayCacheHitSkipsVenue(t *testing.T) {
	venue := &fakeVenue{markPrice: 101.5}
	g := newTestGateway(venue, 1000)

	ctx := context.Background()
	p1, err := g.GetMarkPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := g.GetMarkPrice(ctx, "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != 101.5 || p2 != 101.5 {
		t.Fatalf("цены %f/%f, ожидалось 101.5", p1, p2)
	}
	if venue.markPriceCalls != 1 {
		t.Fatalf("venue вызван %d раз, ожидался 1 (кэш)", venue.markPriceCalls)
	}
	if g.budget.Used() != weightByOp[OpTicker] {
		t.Fatalf("попадание в кэш не должно списывать вес: used=%d", g.budget.Used())
	}
}

func TestGatewayBudgetRejection(t *testing.T) {
	venue := &fakeVenue{markPrice: 10}
	g := newTestGateway(venue, 1)

	ctx := context.Background()
	if _, err := g.GetMarkPrice(ctx, "AAAUSDT"); err != nil {
		t.Fatal(err)
	}
	_, err := g.GetMarkPrice(ctx, "BBBUSDT")
	var thr *ThrottleError
	if !errors.As(err, &thr) || !thr.Local {
		t.Fatalf("ожидался локальный отказ бюджета, получено %v", err)
	}
	if venue.markPriceCalls != 1 {
		t.Fatalf("отклонённый запрос не должен доходить до venue: %d", venue.markPriceCalls)
	}
}

func TestGatewayThrottleFeedsBackoff(t *testing.T) {
	venue := &fakeVenue{placeErr: &common.APIError{Code: -1003, Message: "Too many requests."}}
	g := newTestGateway(venue, 1000)

	ctx := context.Background()
	order := models.Order{Symbol: "BTCUSDT", LinkID: "x-1", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Qty: 1}
	_, err := g.PlaceOrder(ctx, order)
	var thr *ThrottleError
	if !errors.As(err, &thr) || thr.Hard {
		t.Fatalf("ожидался мягкий троттлинг, получено %v", err)
	}
	if g.backoff.State() != ratelimit.StateSoft {
		t.Fatalf("бэкофф в состоянии %s, ожидался SOFT_BACKOFF", g.backoff.State())
	}
	if blocked, _ := g.backoff.Blocked(); !blocked {
		t.Fatal("после троттлинга шлюз должен быть заблокирован")
	}
}

func TestGatewayDomainRejectionClassified(t *testing.T) {
	venue := &fakeVenue{placeErr: &common.APIError{Code: -4164, Message: "Order's notional must be no smaller than 5.0"}}
	g := newTestGateway(venue, 1000)

	order := models.Order{Symbol: "BTCUSDT", LinkID: "x-2", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Qty: 0.0001}
	_, err := g.PlaceOrder(context.Background(), order)
	var rej *DomainRejection
	if !errors.As(err, &rej) || rej.Kind != RejectMinNotional {
		t.Fatalf("ожидался отказ MIN_NOTIONAL, получено %v", err)
	}
	if g.backoff.State() != ratelimit.StateNormal {
		t.Fatal("доменный отказ не должен трогать бэкофф")
	}
}

func TestGatewayWaitsOutBlockOnce(t *testing.T) {
	venue := &fakeVenue{markPrice: 55}
	g := newTestGateway(venue, 1000)

	g.backoff.OnThrottle(false, 30*time.Millisecond)

	start := time.Now()
	p, err := g.GetMarkPrice(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if p != 55 {
		t.Fatalf("цена %f, ожидалось 55", p)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("вызов должен был дождаться окна бэкоффа")
	}
}

// Окно бэкоффа глушит и чтения из кэша: свежий кэш не должен служить
// обходом блокировки.
func TestGatewayCacheNotServedDuringBlock(t *testing.T) {
	venue := &fakeVenue{markPrice: 55}
	g := newTestGateway(venue, 1000)

	if _, err := g.GetMarkPrice(context.Background(), "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	g.backoff.OnThrottle(false, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.GetMarkPrice(ctx, "ETHUSDT")
	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("заблокированный вызов вернул %v, ожидали временную ошибку", err)
	}
	if venue.markPriceCalls != 1 {
		t.Fatalf("venue вызван %d раз во время блокировки", venue.markPriceCalls)
	}
}

func TestGatewayTransientRetriedThenSucceeds(t *testing.T) {
	venue := &fakeVenue{placeErr: context.DeadlineExceeded, placeErrCount: 2}
	g := newTestGateway(venue, 1000)
	g.retryWait = time.Millisecond

	_, err := g.PlaceOrder(context.Background(), models.Order{Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Qty: 1})
	if err != nil {
		t.Fatalf("повторы не спасли временный сбой: %v", err)
	}
	if venue.placeCalls != 3 {
		t.Fatalf("venue вызван %d раз, ожидалось 3", venue.placeCalls)
	}
}

func TestGatewayTransientAbandonedAfterRetries(t *testing.T) {
	venue := &fakeVenue{placeErr: context.DeadlineExceeded}
	g := newTestGateway(venue, 1000)
	g.retryWait = time.Millisecond

	_, err := g.PlaceOrder(context.Background(), models.Order{Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Qty: 1})
	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("ожидали TransientError, получили %v", err)
	}
	if venue.placeCalls != maxTransientAttempts {
		t.Fatalf("venue вызван %d раз, ожидалось %d", venue.placeCalls, maxTransientAttempts)
	}
}
