package exchange

import (
	"context"

	"avgbot/internal/models"
)

type EventType string

const (
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Ticker *models.Ticker
}

type InstrumentRules struct {
	TickSize    float64
	LotSize     float64
	MinQty      float64
	MinNotional float64
}

type PositionState struct {
	Symbol        string
	Side          models.OrderSide
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealizedPnL float64
}

type Balance struct {
	Asset     string
	Wallet    float64
	Available float64
}

type Candle struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

type Client interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	GetPositions(ctx context.Context) ([]PositionState, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetOrder(ctx context.Context, symbol, orderID, linkID string) (models.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	UsedWeight() int
	Subscribe(ctx context.Context, symbols []string) (<-chan Event, error)
}
