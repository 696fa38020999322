// Package binance adapts the USDⓈ-M futures REST API to exchange.Client.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpdesk/internal/gateway/exchange"
	"perpdesk/internal/logger"
	symbolpkg "perpdesk/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const maxHistoryLimit = 1500

// Binance error codes that mean "slow down".
var rateLimitCodes = map[int64]bool{
	-1003: true,
	-1015: true,
}

type Client struct {
	cfg    Config
	client *futures.Client

	rulesMu sync.RWMutex
	rules   map[string]exchange.InstrumentRules
}

func New(cfg Config) *Client {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Client{
		cfg:    final,
		client: client,
		rules:  make(map[string]exchange.InstrumentRules),
	}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	sym := symbolpkg.Canonical(symbol)
	prices, err := c.client.NewListPricesService().Symbol(sym).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, classify(err)
	}
	for _, p := range prices {
		if p == nil || !strings.EqualFold(p.Symbol, sym) {
			continue
		}
		return exchange.Ticker{
			Symbol: p.Symbol,
			Price:  parseDecimal(p.Price),
			Time:   time.UnixMilli(p.Time),
		}, nil
	}
	return exchange.Ticker{}, fmt.Errorf("ticker %s: %w", sym, exchange.ErrNotFound)
}

func (c *Client) GetAllTickers(ctx context.Context) ([]exchange.Ticker, error) {
	stats, err := c.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]exchange.Ticker, 0, len(stats))
	for _, s := range stats {
		if s == nil {
			continue
		}
		change, _ := strconv.ParseFloat(strings.TrimSpace(s.PriceChangePercent), 64)
		out = append(out, exchange.Ticker{
			Symbol:      s.Symbol,
			Price:       parseDecimal(s.LastPrice),
			QuoteVolume: parseDecimal(s.QuoteVolume),
			ChangePct:   change,
			Time:        time.UnixMilli(s.CloseTime),
		})
	}
	return out, nil
}

func (c *Client) GetPositions(ctx context.Context, symbol string) ([]exchange.PositionInfo, error) {
	svc := c.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbolpkg.Canonical(symbol))
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]exchange.PositionInfo, 0, len(risks))
	for _, p := range risks {
		if p == nil {
			continue
		}
		amt := parseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		lev, _ := strconv.Atoi(strings.TrimSpace(p.Leverage))
		out = append(out, exchange.PositionInfo{
			Symbol:        p.Symbol,
			Amount:        amt,
			EntryPrice:    parseDecimal(p.EntryPrice),
			MarkPrice:     parseDecimal(p.MarkPrice),
			UnrealizedPnL: parseDecimal(p.UnRealizedProfit),
			Leverage:      lev,
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	orderType := req.Type
	if orderType == "" {
		orderType = exchange.OrderTypeMarket
	}
	svc := c.client.NewCreateOrderService().
		Symbol(symbolpkg.Canonical(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(orderType)).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, classify(err)
	}
	return convertOrder(res), nil
}

func (c *Client) PlaceConditionalOrder(ctx context.Context, req exchange.ConditionalOrderRequest) (exchange.OrderResult, error) {
	svc := c.client.NewCreateOrderService().
		Symbol(symbolpkg.Canonical(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		StopPrice(req.StopPrice.String()).
		WorkingType(futures.WorkingTypeMarkPrice)
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(req.Quantity.String()).ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderResult{}, classify(err)
	}
	return convertOrder(res), nil
}

// SetLeverage applies the larger of buy and sell; one-way mode has a single
// leverage per symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, buy, sell int) error {
	lev := buy
	if sell > lev {
		lev = sell
	}
	_, err := c.client.NewChangeLeverageService().Symbol(symbolpkg.Canonical(symbol)).Leverage(lev).Do(ctx)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) GetExecutionHistory(ctx context.Context, symbol string, since time.Time) ([]exchange.Execution, error) {
	svc := c.client.NewListAccountTradeService().Symbol(symbolpkg.Canonical(symbol))
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]exchange.Execution, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		out = append(out, exchange.Execution{
			Symbol:      t.Symbol,
			OrderID:     strconv.FormatInt(t.OrderID, 10),
			Side:        exchange.Side(t.Side),
			Price:       parseDecimal(t.Price),
			Quantity:    parseDecimal(t.Quantity),
			RealizedPnL: parseDecimal(t.RealizedPnl),
			Fee:         parseDecimal(t.Commission),
			Time:        time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := c.client.NewCancelAllOpenOrdersService().Symbol(symbolpkg.Canonical(symbol)).Do(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// InstrumentRules reads LOT_SIZE, MIN_NOTIONAL and PRICE_FILTER from the
// exchange info. The full table is cached after the first call.
func (c *Client) InstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	sym := symbolpkg.Canonical(symbol)
	c.rulesMu.RLock()
	r, ok := c.rules[sym]
	c.rulesMu.RUnlock()
	if ok {
		return r, nil
	}
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return exchange.InstrumentRules{}, classify(err)
	}
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	for _, s := range info.Symbols {
		c.rules[s.Symbol] = parseFilters(s.Symbol, s.Filters)
	}
	logger.Infof("binance: loaded instrument rules for %d symbols", len(info.Symbols))
	r, ok = c.rules[sym]
	if !ok {
		return exchange.InstrumentRules{}, fmt.Errorf("instrument %s: %w", sym, exchange.ErrNotFound)
	}
	return r, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	sym := symbolpkg.Canonical(symbol)
	if sym == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := c.client.NewKlinesService().Symbol(sym).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]exchange.Kline, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, exchange.Kline{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	if dur, ok := exchange.IntervalDuration(interval); ok {
		out = exchange.ClosedOnly(out, dur, time.Now())
	}
	return out, nil
}

func convertOrder(res *futures.CreateOrderResponse) exchange.OrderResult {
	if res == nil {
		return exchange.OrderResult{}
	}
	return exchange.OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Symbol:      res.Symbol,
		Status:      string(res.Status),
		AvgPrice:    parseDecimal(res.AvgPrice),
		ExecutedQty: parseDecimal(res.ExecutedQuantity),
		Time:        time.UnixMilli(res.UpdateTime),
	}
}

func parseFilters(symbol string, filters []map[string]interface{}) exchange.InstrumentRules {
	r := exchange.InstrumentRules{Symbol: symbol}
	for _, f := range filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			r.MinQty = filterDecimal(f, "minQty")
			r.QtyStep = filterDecimal(f, "stepSize")
		case "MIN_NOTIONAL":
			r.MinNotional = filterDecimal(f, "notional")
		case "PRICE_FILTER":
			r.TickSize = filterDecimal(f, "tickSize")
		}
	}
	return r
}

func filterDecimal(f map[string]interface{}, key string) decimal.Decimal {
	s, _ := f[key].(string)
	return parseDecimal(s)
}

// classify maps SDK and transport errors onto the exchange sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		kind := exchange.ErrRejected
		if rateLimitCodes[apiErr.Code] {
			kind = exchange.ErrRateLimited
		}
		return &exchange.APIError{Code: apiErr.Code, Message: apiErr.Message, Kind: kind}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", exchange.ErrNetwork, err)
	}
	return err
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
