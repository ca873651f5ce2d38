package ws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"avgbot/internal/exchange"
	"avgbot/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const defaultURL = "wss://fstream.binance.com/stream"

type Client struct {
	url     string
	symbols []string
	log     *logger.Logger

	conn   *websocket.Conn
	events chan exchange.Event

	reconnectMin time.Duration
	reconnectMax time.Duration
}

func New(url string, symbols []string, log *logger.Logger) (*Client, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("пустой список символов для подписки")
	}
	if url == "" {
		url = defaultURL
	}
	return &Client{
		url:          url,
		symbols:      symbols,
		log:          log,
		events:       make(chan exchange.Event, 100),
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}, nil
}

func (w *Client) streamURL() string {
	streams := make([]string, 0, len(w.symbols))
	for _, s := range w.symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}
	return w.url + "?streams=" + strings.Join(streams, "/")
}

func (w *Client) Connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.streamURL()).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("не удалось подключиться к WS: %w", err)
	}

	w.conn = conn
	w.conn.SetReadLimit(2 << 20)

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop(ctx)

	return nil
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

func (w *Client) reconnect(ctx context.Context) {
	wait := w.reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.streamURL(), nil)
		if err == nil {
			w.conn = conn
			w.conn.SetReadLimit(2 << 20)
			w.logEntry().Info("WS переподключён.")
			select {
			case w.events <- exchange.Event{Type: exchange.EventTypeReconnect}:
			case <-ctx.Done():
				return
			}
			go w.readLoop(ctx)
			return
		}

		w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
		wait *= 2
		if wait > w.reconnectMax {
			wait = w.reconnectMax
		}
	}
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("binance_ws")
}
