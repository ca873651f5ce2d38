package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"avgbot/internal/exchange"
	"avgbot/internal/exchange/binance/ws"
	"avgbot/internal/logger"
	"avgbot/internal/models"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

type Client struct {
	api        *futures.Client
	wsURL      string
	log        *logger.Logger
	usedWeight atomic.Int64
}

func New(apiKey, secret string, testnet bool, wsURL string, log *logger.Logger) *Client {
	futures.UseTestnet = testnet
	c := &Client{
		api:   gobinance.NewFuturesClient(apiKey, secret),
		wsURL: wsURL,
		log:   log,
	}
	c.api.HTTPClient = &http.Client{
		Timeout:   15 * time.Second,
		Transport: &weightTransport{next: http.DefaultTransport, client: c},
	}
	return c
}

// weightTransport снимает серверный использованный вес с каждого ответа.
type weightTransport struct {
	next   http.RoundTripper
	client *Client
}

func (t *weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if resp != nil {
		if v := resp.Header.Get("X-Mbx-Used-Weight-1m"); v != "" {
			if w, perr := strconv.Atoi(v); perr == nil {
				t.client.usedWeight.Store(int64(w))
			}
		}
	}
	return resp, err
}

func (c *Client) UsedWeight() int {
	return int(c.usedWeight.Load())
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return exchange.InstrumentRules{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := exchange.InstrumentRules{}
		if f := s.PriceFilter(); f != nil {
			rules.TickSize = parseF(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			rules.LotSize = parseF(f.StepSize)
			rules.MinQty = parseF(f.MinQuantity)
		}
		if f := s.MinNotionalFilter(); f != nil {
			rules.MinNotional = parseF(f.Notional)
		}
		return rules, nil
	}
	return exchange.InstrumentRules{}, fmt.Errorf("символ %s не найден в exchangeInfo", symbol)
}

func (c *Client) GetPositions(ctx context.Context) ([]exchange.PositionState, error) {
	risks, err := c.api.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	var out []exchange.PositionState
	for _, p := range risks {
		amt := parseF(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := models.OrderSideBuy
		if amt < 0 {
			side = models.OrderSideSell
			amt = -amt
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, exchange.PositionState{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           amt,
			EntryPrice:    parseF(p.EntryPrice),
			MarkPrice:     parseF(p.MarkPrice),
			Leverage:      lev,
			UnrealizedPnL: parseF(p.UnRealizedProfit),
		})
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	acc, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, err
	}
	for _, a := range acc.Assets {
		if a.Asset != "USDT" {
			continue
		}
		return exchange.Balance{
			Asset:     a.Asset,
			Wallet:    parseF(a.WalletBalance),
			Available: parseF(a.AvailableBalance),
		}, nil
	}
	return exchange.Balance{Asset: "USDT"}, nil
}

func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	klines, err := c.api.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, exchange.Candle{
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
	return out, nil
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	premiums, err := c.api.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(premiums) == 0 {
		return 0, fmt.Errorf("пустой ответ premiumIndex для %s", symbol)
	}
	return parseF(premiums[0].MarkPrice), nil
}

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(futures.SideType(order.Side)).
		Type(futures.OrderType(order.Type)).
		Quantity(formatF(order.Qty)).
		NewClientOrderID(order.LinkID)

	if order.Type == models.OrderTypeLimit {
		tif := order.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		svc = svc.Price(formatF(order.Price)).TimeInForce(futures.TimeInForceType(tif))
	}
	if order.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return models.Order{}, err
	}

	placed := order
	placed.ID = strconv.FormatInt(resp.OrderID, 10)
	placed.Status = models.OrderStatus(resp.Status)
	placed.FilledQty = parseF(resp.ExecutedQuantity)
	placed.AvgFillPrice = parseF(resp.AvgPrice)
	placed.UpdateTime = time.UnixMilli(resp.UpdateTime)
	return placed, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный orderID %q: %w", orderID, err)
	}
	_, err = c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := c.api.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrder(o))
	}
	return out, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, orderID, linkID string) (models.Order, error) {
	svc := c.api.NewGetOrderService().Symbol(symbol)
	if orderID != "" {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return models.Order{}, fmt.Errorf("некорректный orderID %q: %w", orderID, err)
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(linkID)
	}
	o, err := svc.Do(ctx)
	if err != nil {
		return models.Order{}, err
	}
	return toOrder(o), nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return err
}

func (c *Client) Subscribe(ctx context.Context, symbols []string) (<-chan exchange.Event, error) {
	stream, err := ws.New(c.wsURL, symbols, c.log)
	if err != nil {
		return nil, err
	}
	if err := stream.Connect(ctx); err != nil {
		return nil, err
	}
	return stream.Events(), nil
}

func toOrder(o *futures.Order) models.Order {
	return models.Order{
		ID:           strconv.FormatInt(o.OrderID, 10),
		LinkID:       o.ClientOrderID,
		Symbol:       o.Symbol,
		Side:         models.OrderSide(o.Side),
		Type:         models.OrderType(o.Type),
		Price:        parseF(o.Price),
		Qty:          parseF(o.OrigQuantity),
		FilledQty:    parseF(o.ExecutedQuantity),
		AvgFillPrice: parseF(o.AvgPrice),
		Status:       models.OrderStatus(o.Status),
		ReduceOnly:   o.ReduceOnly,
		TimeInForce:  string(o.TimeInForce),
		CreateTime:   time.UnixMilli(o.Time),
		UpdateTime:   time.UnixMilli(o.UpdateTime),
	}
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatF(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
