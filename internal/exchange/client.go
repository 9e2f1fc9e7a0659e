// Package exchange implements the REST and WebSocket clients for a generic
// tick/lot-priced derivatives venue.
//
// The REST client (Client) talks to the venue's trading API:
//   - GetOrderBook:         GET    /book               — fetch L2 book for a symbol
//   - FetchSymbol:          GET    /symbols/{name}     — fetch tick/lot/min-notional filters
//   - PlaceOrder:           POST   /orders              — place a single signed order
//   - CancelOrder:          DELETE /orders/{id}         — cancel one order by ID
//   - CancelAllForSymbol:   DELETE /orders              — cancel all resting orders for a symbol
//   - DeriveAPIKey:         GET    /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every mutating request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx errors, and authenticated with L2 HMAC
// headers (except book reads, which are unauthenticated).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/internal/execution"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// orderDomain and orderTypes describe the EIP-712 typed-data schema used to
// sign individual orders before submission.
var orderDomain = apitypes.TypedDataDomain{
	Name:    "ExchangeOrderDomain",
	Version: "1",
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	},
	"Order": {
		{Name: "maker", Type: "address"},
		{Name: "symbol", Type: "string"},
		{Name: "side", Type: "string"},
		{Name: "price", Type: "string"},
		{Name: "size", Type: "string"},
		{Name: "nonce", Type: "string"},
		{Name: "expiration", Type: "string"},
	},
}

// bookLevelWire and bookWire mirror the venue's JSON book representation.
type bookLevelWire struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookWire struct {
	Symbol   string          `json:"symbol"`
	Sequence int64           `json:"sequence"`
	Bids     []bookLevelWire `json:"bids"`
	Asks     []bookLevelWire `json:"asks"`
}

// symbolWire mirrors the venue's JSON symbol-filter representation.
type symbolWire struct {
	Name        string `json:"name"`
	TickSize    string `json:"tick_size"`
	LotStep     string `json:"lot_step"`
	MinNotional string `json:"min_notional"`
}

// orderWire is the signed-order payload the venue's POST /orders expects.
type orderWire struct {
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
	Signature     string `json:"signature"`
	SignatureType int    `json:"signature_type"`
}

type orderAckWire struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

// Client is the REST API client for the venue.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(cfg.API.RateLimits),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// GetOrderBook fetches the L2 order book for a single symbol.
func (c *Client) GetOrderBook(ctx context.Context, symbol string) (quote.L2Book, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return quote.L2Book{}, err
	}

	var wire bookWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&wire).
		Get("/book")
	if err != nil {
		return quote.L2Book{}, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return quote.L2Book{}, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	return bookFromWire(wire)
}

// FetchSymbol fetches a symbol's tick/lot/minimum-notional filters. Satisfies
// the symbolcache.Fetcher interface.
func (c *Client) FetchSymbol(ctx context.Context, name string) (quote.Symbol, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return quote.Symbol{}, err
	}

	var wire symbolWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&wire).
		Get(fmt.Sprintf("/symbols/%s", name))
	if err != nil {
		return quote.Symbol{}, fmt.Errorf("fetch symbol: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return quote.Symbol{}, fmt.Errorf("fetch symbol: status %d: %s", resp.StatusCode(), resp.String())
	}

	tick, err := decimal.NewFromString(wire.TickSize)
	if err != nil {
		return quote.Symbol{}, fmt.Errorf("parse tick_size: %w", err)
	}
	lot, err := decimal.NewFromString(wire.LotStep)
	if err != nil {
		return quote.Symbol{}, fmt.Errorf("parse lot_step: %w", err)
	}
	minNotional := decimal.Zero
	if wire.MinNotional != "" {
		minNotional, err = decimal.NewFromString(wire.MinNotional)
		if err != nil {
			return quote.Symbol{}, fmt.Errorf("parse min_notional: %w", err)
		}
	}

	return quote.Symbol{
		Name:        wire.Name,
		TickSize:    tick,
		LotStep:     lot,
		MinNotional: minNotional,
	}, nil
}

// PlaceOrder places a single signed limit order. Satisfies the
// execution.Exchange interface.
func (c *Client) PlaceOrder(ctx context.Context, req execution.PlaceOrderRequest) (execution.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"client_id", req.ClientID, "symbol", req.Symbol, "side", req.Side,
			"price", req.Price, "size", req.Size)
		return execution.OrderAck{ExchangeID: "dry-run-" + req.ClientID}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return execution.OrderAck{}, err
	}

	sideStr := "buy"
	if req.Side == quote.Sell {
		sideStr = "sell"
	}
	tif := "GTC"
	switch req.TIF {
	case quote.IOC:
		tif = "IOC"
	case quote.FOK:
		tif = "FOK"
	case quote.GTX:
		tif = "GTX"
	}

	msg := OrderTypedMessage(c.auth.Address(), req.Symbol, sideStr, req.Price, req.Size, 0, 0)
	sig, err := c.auth.SignTypedData(&orderDomain, orderTypes, msg, "Order")
	if err != nil {
		return execution.OrderAck{}, fmt.Errorf("sign order: %w", err)
	}

	wire := orderWire{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Symbol:        req.Symbol,
		Side:          sideStr,
		Price:         req.Price.String(),
		Size:          req.Size.String(),
		TimeInForce:   tif,
		ClientOrderID: req.ClientID,
		Signature:     "0x" + fmt.Sprintf("%x", sig),
		SignatureType: int(c.auth.sigType),
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return execution.OrderAck{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return execution.OrderAck{}, fmt.Errorf("l2 headers: %w", err)
	}

	var ack orderAckWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(wire).
		SetResult(&ack).
		Post("/orders")
	if err != nil {
		return execution.OrderAck{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return execution.OrderAck{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !ack.Success {
		return execution.OrderAck{}, fmt.Errorf("order rejected: %s", ack.Error)
	}

	return execution.OrderAck{ExchangeID: ack.OrderID}, nil
}

// CancelOrder cancels a single order by exchange ID. Satisfies the
// execution.Exchange interface.
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", exchangeID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.L2Headers("DELETE", "/orders/"+exchangeID, "")
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/orders/" + exchangeID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAllForSymbol cancels every resting order for a single symbol.
// Satisfies the execution.Exchange interface.
func (c *Client) CancelAllForSymbol(ctx context.Context, symbol string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"symbol":%q}`, symbol)
	headers, err := c.auth.L2Headers("DELETE", "/orders", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("cancel all for symbol: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all for symbol: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled for symbol", "symbol", symbol)
	return nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

func bookFromWire(w bookWire) (quote.L2Book, error) {
	bids, err := levelsFromWire(w.Bids)
	if err != nil {
		return quote.L2Book{}, fmt.Errorf("parse bids: %w", err)
	}
	asks, err := levelsFromWire(w.Asks)
	if err != nil {
		return quote.L2Book{}, fmt.Errorf("parse asks: %w", err)
	}
	return quote.L2Book{
		Symbol:   w.Symbol,
		Sequence: w.Sequence,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

func levelsFromWire(w []bookLevelWire) ([]quote.PriceLevel, error) {
	levels := make([]quote.PriceLevel, len(w))
	for i, lvl := range w {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return nil, err
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			return nil, err
		}
		levels[i] = quote.PriceLevel{Price: price, Size: size}
	}
	return levels, nil
}
