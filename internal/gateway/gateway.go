package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avgbot/internal/exchange"
	"avgbot/internal/logger"
	"avgbot/internal/models"
	"avgbot/internal/ratelimit"

	"github.com/sirupsen/logrus"
)

type Op string

const (
	OpRules       Op = "rules"
	OpTicker      Op = "ticker"
	OpKlines      Op = "klines"
	OpBalance     Op = "balance"
	OpPositions   Op = "positions"
	OpOpenOrders  Op = "open_orders"
	OpOrder       Op = "order"
	OpPlaceOrder  Op = "place_order"
	OpCancelOrder Op = "cancel_order"
	OpLeverage    Op = "leverage"
)

var ttlByOp = map[Op]time.Duration{
	OpRules:      10 * time.Minute,
	OpTicker:     5 * time.Second,
	OpKlines:     30 * time.Second,
	OpBalance:    45 * time.Second,
	OpPositions:  45 * time.Second,
	OpOpenOrders: 60 * time.Second,
	OpOrder:      90 * time.Second,
}

var weightByOp = map[Op]int{
	OpRules:       1,
	OpTicker:      1,
	OpKlines:      5,
	OpBalance:     5,
	OpPositions:   5,
	OpOpenOrders:  1,
	OpOrder:       1,
	OpPlaceOrder:  1,
	OpCancelOrder: 1,
	OpLeverage:    1,
}

var errBlocked = errors.New("шлюз в окне бэкоффа")

const maxTransientAttempts = 3

// Gateway — единственный путь к бирже: допуск по бюджету веса, бэкофф,
// короткий кэш и классификация ошибок на одном рубеже.
type Gateway struct {
	venue       exchange.Client
	budget      *ratelimit.Budget
	backoff     *ratelimit.Backoff
	cache       *callCache
	log         *logger.Logger
	callTimeout time.Duration
	retryWait   time.Duration
}

func New(venue exchange.Client, budget *ratelimit.Budget, backoff *ratelimit.Backoff, callTimeout time.Duration, log *logger.Logger) *Gateway {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Gateway{
		venue:       venue,
		budget:      budget,
		backoff:     backoff,
		cache:       newCallCache(),
		log:         log,
		callTimeout: callTimeout,
		retryWait:   500 * time.Millisecond,
	}
}

func (g *Gateway) logEntry() *logrus.Entry {
	return g.log.WithComponent("gateway")
}

func (g *Gateway) call(ctx context.Context, op Op, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	weight := weightByOp[op]
	ttl := ttlByOp[op]
	cacheKey := string(op) + ":" + key

	if blocked, remaining := g.backoff.Blocked(); blocked {
		mtxBlockedWaits.Inc()
		g.logEntry().WithFields(logrus.Fields{
			"op":        string(op),
			"remaining": remaining.String(),
		}).Warn("Шлюз заблокирован, ожидание окна бэкоффа.")
		select {
		case <-ctx.Done():
			return nil, &TransientError{Err: ctx.Err()}
		case <-time.After(remaining):
		}
		if blocked, remaining := g.backoff.Blocked(); blocked {
			mtxCalls.WithLabelValues(string(op), "throttle").Inc()
			return nil, &ThrottleError{
				Hard:       g.backoff.State() == ratelimit.StateHardBan,
				RetryAfter: remaining,
				Err:        errBlocked,
			}
		}
	}

	// Кэш стоит после проверки окна: бэкофф глушит и чтения, попадание
	// не идёт в допуск по весу, потому что вызова к бирже нет.
	if ttl > 0 {
		if v, ok := g.cache.Get(cacheKey); ok {
			mtxCacheHits.WithLabelValues(string(op)).Inc()
			return v, nil
		}
	}

	var res interface{}
	wait := g.retryWait
	for attempt := 1; ; attempt++ {
		if !g.budget.Admit(weight) {
			mtxBudgetRejected.WithLabelValues(string(op)).Inc()
			g.logEntry().WithFields(logrus.Fields{
				"op":     string(op),
				"weight": weight,
				"used":   g.budget.Used(),
			}).Warn("Бюджет веса исчерпан, запрос отклонён.")
			return nil, &ThrottleError{
				Local:      true,
				RetryAfter: 2 * time.Second,
				Err:        fmt.Errorf("вес %d не помещается в бюджет", weight),
			}
		}

		cctx, cancel := context.WithTimeout(ctx, g.callTimeout)
		var err error
		res, err = fn(cctx)
		cancel()
		g.budget.Record(weight, g.venue.UsedWeight())
		mtxBudgetUsed.Set(float64(g.budget.Used()))

		if err == nil {
			break
		}

		cerr := Classify(err)
		result := "unknown"
		var thr *ThrottleError
		var rej *DomainRejection
		var tr *TransientError
		switch {
		case errors.As(cerr, &thr):
			result = "throttle"
			g.backoff.OnThrottle(thr.Hard, thr.RetryAfter)
			g.logEntry().WithError(err).WithFields(logrus.Fields{
				"op":   string(op),
				"hard": thr.Hard,
			}).Warn("Биржа ограничила запросы.")
		case errors.As(cerr, &rej):
			result = "rejection"
			g.logEntry().WithError(err).WithFields(logrus.Fields{
				"op":   string(op),
				"kind": string(rej.Kind),
			}).Debug("Ожидаемый отказ биржи.")
		case errors.As(cerr, &tr):
			result = "transient"
			g.logEntry().WithError(err).WithFields(logrus.Fields{
				"op":      string(op),
				"attempt": attempt,
			}).Warn("Временная ошибка запроса.")
		default:
			g.logEntry().WithError(err).WithField("op", string(op)).Error("Неизвестная ошибка биржи.")
		}
		mtxCalls.WithLabelValues(string(op), result).Inc()

		// Временные сбои повторяем ограниченно, остальное — вызывающему:
		// неоднозначность исхода разрешит сверка.
		if result == "transient" && attempt < maxTransientAttempts {
			select {
			case <-ctx.Done():
				return nil, &TransientError{Err: ctx.Err()}
			case <-time.After(wait):
			}
			wait *= 2
			continue
		}
		return nil, cerr
	}

	g.backoff.OnCleanWindow()
	mtxCalls.WithLabelValues(string(op), "ok").Inc()
	if ttl > 0 {
		g.cache.Set(cacheKey, res, ttl)
	}
	return res, nil
}

func (g *Gateway) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	res, err := g.call(ctx, OpRules, symbol, func(ctx context.Context) (interface{}, error) {
		return g.venue.GetInstrumentRules(ctx, symbol)
	})
	if err != nil {
		return exchange.InstrumentRules{}, err
	}
	return res.(exchange.InstrumentRules), nil
}

func (g *Gateway) GetPositions(ctx context.Context) ([]exchange.PositionState, error) {
	res, err := g.call(ctx, OpPositions, "all", func(ctx context.Context) (interface{}, error) {
		return g.venue.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]exchange.PositionState), nil
}

func (g *Gateway) GetBalance(ctx context.Context) (exchange.Balance, error) {
	res, err := g.call(ctx, OpBalance, "usdt", func(ctx context.Context) (interface{}, error) {
		return g.venue.GetBalance(ctx)
	})
	if err != nil {
		return exchange.Balance{}, err
	}
	return res.(exchange.Balance), nil
}

func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	key := fmt.Sprintf("%s:%s:%d", symbol, interval, limit)
	res, err := g.call(ctx, OpKlines, key, func(ctx context.Context) (interface{}, error) {
		return g.venue.GetKlines(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return res.([]exchange.Candle), nil
}

func (g *Gateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	res, err := g.call(ctx, OpTicker, symbol, func(ctx context.Context) (interface{}, error) {
		return g.venue.GetMarkPrice(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	res, err := g.call(ctx, OpOpenOrders, symbol, func(ctx context.Context) (interface{}, error) {
		return g.venue.GetOpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return res.([]models.Order), nil
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID, linkID string) (models.Order, error) {
	key := symbol + ":" + orderID + ":" + linkID
	res, err := g.call(ctx, OpOrder, key, func(ctx context.Context) (interface{}, error) {
		return g.venue.GetOrder(ctx, symbol, orderID, linkID)
	})
	if err != nil {
		return models.Order{}, err
	}
	return res.(models.Order), nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	res, err := g.call(ctx, OpPlaceOrder, order.LinkID, func(ctx context.Context) (interface{}, error) {
		return g.venue.PlaceOrder(ctx, order)
	})
	if err != nil {
		return models.Order{}, err
	}
	g.invalidateAfterWrite(order.Symbol)
	return res.(models.Order), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := g.call(ctx, OpCancelOrder, symbol+":"+orderID, func(ctx context.Context) (interface{}, error) {
		return nil, g.venue.CancelOrder(ctx, symbol, orderID)
	})
	if err != nil {
		return err
	}
	g.invalidateAfterWrite(symbol)
	return nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.call(ctx, OpLeverage, fmt.Sprintf("%s:%d", symbol, leverage), func(ctx context.Context) (interface{}, error) {
		return nil, g.venue.SetLeverage(ctx, symbol, leverage)
	})
	return err
}

// После изменяющего вызова кэш чтений по символу устарел.
func (g *Gateway) invalidateAfterWrite(symbol string) {
	g.cache.Invalidate(string(OpOpenOrders) + ":" + symbol)
	g.cache.Invalidate(string(OpOrder) + ":" + symbol)
	g.cache.Invalidate(string(OpPositions))
	g.cache.Invalidate(string(OpBalance))
}
