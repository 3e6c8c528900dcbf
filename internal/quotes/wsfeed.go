package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
	staleAfter     = 10 * time.Second
)

var wsLogger = log.With().Str("component", "quotes.wsfeed").Logger()

// tickMessage is the wire shape of an upstream tick, keyed by
// "SYMBOL:EXCHANGE".
type tickMessage struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	LTP      float64 `json:"ltp"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
}

// WebSocketFeed adapts a broker's websocket tick stream into the
// QuoteProvider contract, caching the latest tick per symbol in memory.
type WebSocketFeed struct {
	url string

	mu      sync.RWMutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	latest  map[string]Quote
}

func NewWebSocketFeed(url string) *WebSocketFeed {
	return &WebSocketFeed{
		url:    url,
		stopCh: make(chan struct{}),
		latest: make(map[string]Quote),
	}
}

func key(symbol, exchange string) string { return symbol + ":" + exchange }

// Start connects and begins processing ticks in the background.
func (f *WebSocketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	wsLogger.Info().Str("url", f.url).Msg("quote feed started")
}

// Stop tears down the connection.
func (f *WebSocketFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *WebSocketFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			wsLogger.Error().Err(err).Msg("connection failed, retrying")
			time.Sleep(reconnectDelay)
			continue
		}

		f.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (f *WebSocketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	go f.pingLoop(conn)
	return nil
}

func (f *WebSocketFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *WebSocketFeed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			wsLogger.Warn().Err(err).Msg("quote feed read error, reconnecting")
			return
		}
		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		f.mu.Lock()
		f.latest[key(msg.Symbol, msg.Exchange)] = Quote{
			LTP:    msg.LTP,
			Bid:    msg.Bid,
			Ask:    msg.Ask,
			LastAt: time.Now(),
		}
		f.mu.Unlock()
	}
}

// Quote implements QuoteProvider by returning the last cached tick for the
// symbol, failing with ErrUnavailable if nothing has arrived yet or the
// cached tick has gone stale.
func (f *WebSocketFeed) Quote(ctx context.Context, symbol, exchange string) (Quote, error) {
	f.mu.RLock()
	q, ok := f.latest[key(symbol, exchange)]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: no tick seen for %s:%s", ErrUnavailable, symbol, exchange)
	}
	if time.Since(q.LastAt) > staleAfter {
		return Quote{}, fmt.Errorf("%w: stale tick for %s:%s", ErrUnavailable, symbol, exchange)
	}
	return q, nil
}
