package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"avgbot/internal/exchange"
	"avgbot/internal/models"
)

type streamMessage struct {
	Stream string          `json:"stream"`
	Data   markPriceUpdate `json:"data"`
}

type markPriceUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

func (w *Client) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS, переподключение.")
			w.conn.Close()
			go w.reconnect(ctx)
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logEntry().WithError(err).Debug("Не удалось разобрать сообщение WS.")
			continue
		}
		if msg.Data.EventType != "markPriceUpdate" {
			continue
		}

		price, err := strconv.ParseFloat(msg.Data.MarkPrice, 64)
		if err != nil || price <= 0 {
			continue
		}

		ticker := &models.Ticker{
			Symbol:    msg.Data.Symbol,
			LastPrice: price,
			Timestamp: time.UnixMilli(msg.Data.EventTime),
		}

		select {
		case w.events <- exchange.Event{Type: exchange.EventTypeTicker, Ticker: ticker}:
		case <-ctx.Done():
			return
		default:
			// Медленный потребитель: тик устаревает мгновенно, теряем без ожидания.
		}
	}
}
