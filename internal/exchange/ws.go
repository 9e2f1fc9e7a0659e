// ws.go implements WebSocket feeds for real-time venue data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by symbol, receives "book" snapshots
//     and "trade" prints for the order book.
//
//   - User feed (authenticated): subscribes by symbol, receives "fill"
//     notifications and "order" lifecycle events (placement, cancellation).
//
// Both feeds auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked symbols on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readBufferSize   = 256
	tradeBufferSize  = 64
)

// WSAuth carries L2 credentials for the authenticated user channel subscribe message.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type wsSubscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
	Auth    WSAuth   `json:"auth,omitempty"`
}

type wsUpdateMsg struct {
	Operation string   `json:"operation"`
	Symbols   []string `json:"symbols"`
}

type wsBookLevelWire struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookEvent is a full book snapshot pushed on the market channel.
type WSBookEvent struct {
	EventType string            `json:"event_type"`
	Symbol    string            `json:"symbol"`
	Sequence  int64             `json:"sequence"`
	Bids      []wsBookLevelWire `json:"bids"`
	Asks      []wsBookLevelWire `json:"asks"`
}

// Book converts the wire event into a quote.L2Book.
func (e WSBookEvent) Book() (quote.L2Book, error) {
	bids, err := levelsFromWire(toBookLevelWire(e.Bids))
	if err != nil {
		return quote.L2Book{}, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := levelsFromWire(toBookLevelWire(e.Asks))
	if err != nil {
		return quote.L2Book{}, fmt.Errorf("parse asks: %w", err)
	}
	return quote.L2Book{Symbol: e.Symbol, Sequence: e.Sequence, Bids: bids, Asks: asks}, nil
}

func toBookLevelWire(w []wsBookLevelWire) []bookLevelWire {
	out := make([]bookLevelWire, len(w))
	for i, lvl := range w {
		out[i] = bookLevelWire{Price: lvl.Price, Size: lvl.Size}
	}
	return out
}

// WSTradeEvent is a public trade print pushed on the market channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp int64  `json:"timestamp"`
}

// Trade converts the wire event into a quote.Trade.
func (e WSTradeEvent) Trade() (quote.Trade, error) {
	price, err := decimal.NewFromString(e.Price)
	if err != nil {
		return quote.Trade{}, fmt.Errorf("parse price: %w", err)
	}
	size, err := decimal.NewFromString(e.Size)
	if err != nil {
		return quote.Trade{}, fmt.Errorf("parse size: %w", err)
	}
	side := quote.Buy
	if e.Side == "sell" {
		side = quote.Sell
	}
	return quote.Trade{
		Symbol:    e.Symbol,
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: time.Unix(0, e.Timestamp*int64(time.Millisecond)),
	}, nil
}

// WSFillEvent is a fill notification on a resting order, pushed on the user channel.
type WSFillEvent struct {
	EventType  string `json:"event_type"`
	OrderID    string `json:"order_id"`
	Symbol     string `json:"symbol"`
	FilledSize string `json:"filled_size"`
	Price      string `json:"price"`
}

// FilledSizeDecimal parses the filled-size field.
func (e WSFillEvent) FilledSizeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(e.FilledSize)
}

// WSOrderEvent is an order lifecycle update (ack, cancel, reject), pushed on the user channel.
type WSOrderEvent struct {
	EventType string `json:"event_type"`
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// WSFeed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth
	channelType string

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh  chan WSBookEvent
	tradeCh chan WSTradeEvent
	fillCh  chan WSFillEvent
	orderCh chan WSOrderEvent

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		bookCh:      make(chan WSBookEvent, readBufferSize),
		tradeCh:     make(chan WSTradeEvent, tradeBufferSize),
		fillCh:      make(chan WSFillEvent, tradeBufferSize),
		orderCh:     make(chan WSOrderEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		auth:        auth,
		channelType: "user",
		subscribed:  make(map[string]bool),
		bookCh:      make(chan WSBookEvent, readBufferSize),
		tradeCh:     make(chan WSTradeEvent, tradeBufferSize),
		fillCh:      make(chan WSFillEvent, tradeBufferSize),
		orderCh:     make(chan WSOrderEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

// BookEvents returns a read-only channel of book snapshot events.
func (f *WSFeed) BookEvents() <-chan WSBookEvent { return f.bookCh }

// TradeEvents returns a read-only channel of public trade events.
func (f *WSFeed) TradeEvents() <-chan WSTradeEvent { return f.tradeCh }

// FillEvents returns a read-only channel of fill events (user channel).
func (f *WSFeed) FillEvents() <-chan WSFillEvent { return f.fillCh }

// OrderEvents returns a read-only channel of order lifecycle events (user channel).
func (f *WSFeed) OrderEvents() <-chan WSOrderEvent { return f.orderCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the feed's subscription set.
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsUpdateMsg{Operation: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the feed's subscription set.
func (f *WSFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsUpdateMsg{Operation: "unsubscribe", Symbols: symbols})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	msg := wsSubscribeMsg{Type: f.channelType, Symbols: symbols}
	if f.channelType == "user" {
		msg.Auth = f.auth.WSAuthPayload()
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "symbol", evt.Symbol)
		}

	case "trade":
		var evt WSTradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "symbol", evt.Symbol)
		}

	case "fill":
		var evt WSFillEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.fillCh <- evt:
		default:
			f.logger.Warn("fill channel full, dropping event", "order_id", evt.OrderID)
		}

	case "order":
		var evt WSOrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "order_id", evt.OrderID)
		}

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
