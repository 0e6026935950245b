package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sentinentx/internal/errors"
	"sentinentx/internal/logging"
	"sentinentx/internal/models"
	"sentinentx/internal/resilience"
	"sentinentx/pkg/utils"
)

const bybitBreaker = "bybit"

// Bybit return codes with special handling.
const (
	retOK                 = 0
	retSystemError        = 10000
	retRateLimit          = 10006
	retIPRateLimit        = 10018
	retServerTimeout      = 10016
	retLeverageNotChanged = 110043
)

// BybitConfig holds configuration for the Bybit v5 client.
type BybitConfig struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	Category      string
	RecvWindow    int
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// PollInterval and PollAttempts bound the follow-up reads that collect fills.
	PollInterval time.Duration
	PollAttempts int
}

// BybitClient implements Gateway over the Bybit v5 REST API.
type BybitClient struct {
	client     *resty.Client
	apiKey     string
	apiSecret  string
	category   string
	recvWindow string

	limiter  *rate.Limiter
	breakers *resilience.Breakers
	logger   zerolog.Logger
	now      func() time.Time

	pollInterval time.Duration
	pollAttempts int
}

// NewBybitClient creates a new Bybit client.
func NewBybitClient(cfg BybitConfig, breakers *resilience.Breakers, logger zerolog.Logger) *BybitClient {
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 5
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")

	return &BybitClient{
		client:       client,
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		category:     cfg.Category,
		recvWindow:   strconv.Itoa(cfg.RecvWindow),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breakers:     breakers,
		logger:       logger,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		pollAttempts: cfg.PollAttempts,
	}
}

// bybitResponse is the v5 response envelope.
type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// Sign returns the hex HMAC-SHA256 signature of a v5 request.
func Sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs a GET request and decodes result into out.
func (c *BybitClient) get(ctx context.Context, path string, query url.Values, signed bool, out interface{}) error {
	return c.call(ctx, http.MethodGet, path, query.Encode(), nil, signed, out)
}

// post performs a signed POST request and decodes result into out.
func (c *BybitClient) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	return c.call(ctx, http.MethodPost, path, "", payload, true, out)
}

func (c *BybitClient) call(ctx context.Context, method, path, query string, body []byte, signed bool, out interface{}) error {
	if signed && (c.apiKey == "" || c.apiSecret == "") {
		return errors.Wrap(errors.ErrConfigInvalid, "bybit api key and secret are required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	start := c.now()
	res, err := c.breakers.Execute(bybitBreaker, func() (any, error) {
		env, err := c.do(ctx, method, path, query, body, signed)
		if err != nil {
			return nil, err
		}
		// Throttling and server faults count against the breaker
		if isTransient(env.RetCode) {
			return nil, retCodeError(env)
		}
		return env, nil
	})
	logging.LogAPICall(c.logger, method, path, c.now().Sub(start), err)
	if err != nil {
		return err
	}

	env := res.(*bybitResponse)
	if env.RetCode != retOK {
		return retCodeError(env)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errors.Wrapf(err, "decoding %s result", path)
	}
	return nil
}

func (c *BybitClient) do(ctx context.Context, method, path, query string, body []byte, signed bool) (*bybitResponse, error) {
	req := c.client.R().SetContext(ctx)

	payload := query
	if method == http.MethodGet {
		if query != "" {
			req.SetQueryString(query)
		}
	} else {
		payload = string(body)
		req.SetBody(body)
	}

	if signed {
		ts := strconv.FormatInt(c.now().UnixMilli(), 10)
		req.SetHeaders(map[string]string{
			"X-BAPI-API-KEY":     c.apiKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": c.recvWindow,
			"X-BAPI-SIGN-TYPE":   "2",
			"X-BAPI-SIGN":        Sign(c.apiSecret, ts, c.apiKey, c.recvWindow, payload),
		})
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "%s %s: %v", method, path, err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, errors.NewExchangeError("429", resp.Status(), errors.ErrRateLimited)
	case resp.StatusCode() >= 500:
		return nil, errors.NewExchangeError(strconv.Itoa(resp.StatusCode()), resp.Status(), errors.ErrConnectionFailed)
	case resp.StatusCode() >= 400:
		return &bybitResponse{RetCode: resp.StatusCode(), RetMsg: strings.TrimSpace(resp.String())}, nil
	}

	var env bybitResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "decoding %s response: %v", path, err)
	}
	return &env, nil
}

func isTransient(code int) bool {
	switch code {
	case retRateLimit, retIPRateLimit, retServerTimeout, retSystemError:
		return true
	}
	return false
}

func retCodeError(env *bybitResponse) error {
	code := strconv.Itoa(env.RetCode)
	switch env.RetCode {
	case retRateLimit, retIPRateLimit:
		return errors.NewExchangeError(code, env.RetMsg, errors.ErrRateLimited)
	case retServerTimeout, retSystemError:
		return errors.NewExchangeError(code, env.RetMsg, errors.ErrConnectionFailed)
	}
	return errors.NewExchangeError(code, env.RetMsg, nil)
}

// businessError reports whether err is a non-transient exchange rejection.
func businessError(err error) (*errors.ExchangeError, bool) {
	var exErr *errors.ExchangeError
	if errors.As(err, &exErr) && exErr.Err == nil {
		return exErr, true
	}
	return nil, false
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type bybitTicker struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (t bybitTicker) toModel(now time.Time) *models.Ticker {
	next, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)
	nextFunding := utils.FromMillis(next)
	if nextFunding.IsZero() && t.FundingRate != "" {
		// some symbols omit the settlement time; fall back to the 8h schedule
		nextFunding = utils.NextFundingTime(now)
	}
	return &models.Ticker{
		Symbol:          t.Symbol,
		LastPrice:       parseFloat(t.LastPrice),
		BidPrice:        parseFloat(t.Bid1Price),
		AskPrice:        parseFloat(t.Ask1Price),
		BidSize:         parseFloat(t.Bid1Size),
		AskSize:         parseFloat(t.Ask1Size),
		MarkPrice:       parseFloat(t.MarkPrice),
		FundingRate:     parseFloat(t.FundingRate),
		NextFundingTime: nextFunding,
		UpdatedAt:       now,
	}
}

// GetTicker returns the ticker of a symbol.
func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	var result struct {
		List []bybitTicker `json:"list"`
	}
	query := url.Values{"category": {c.category}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/market/tickers", query, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, errors.Wrapf(errors.ErrDataNotFound, "ticker %s", symbol)
	}
	return result.List[0].toModel(c.now().UTC()), nil
}

// GetKlines returns bars in ascending time order.
func (c *BybitClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Bar, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	query := url.Values{
		"category": {c.category},
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "/v5/market/kline", query, false, &result); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		bars = append(bars, models.Bar{
			OpenTime: utils.FromMillis(start),
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
		})
	}
	// The API lists newest first
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return bars, nil
}

// GetInstrument returns the trading filters of a symbol.
func (c *BybitClient) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	query := url.Values{"category": {c.category}, "symbol": {symbol}}
	if err := c.get(ctx, "/v5/market/instruments-info", query, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, errors.Wrapf(errors.ErrDataNotFound, "instrument %s", symbol)
	}
	info := result.List[0]
	return &models.Instrument{
		Symbol:      info.Symbol,
		TickSize:    parseFloat(info.PriceFilter.TickSize),
		QtyStep:     parseFloat(info.LotSizeFilter.QtyStep),
		MinQty:      parseFloat(info.LotSizeFilter.MinOrderQty),
		MaxQty:      parseFloat(info.LotSizeFilter.MaxOrderQty),
		MaxLeverage: parseFloat(info.LeverageFilter.MaxLeverage),
	}, nil
}

// GetAccount returns the unified account margin view.
func (c *BybitClient) GetAccount(ctx context.Context) (*models.AccountState, error) {
	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			AccountIMRate         string `json:"accountIMRate"`
		} `json:"list"`
	}
	query := url.Values{"accountType": {"UNIFIED"}}
	if err := c.get(ctx, "/v5/account/wallet-balance", query, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, errors.Wrap(errors.ErrDataNotFound, "wallet balance")
	}
	w := result.List[0]
	return &models.AccountState{
		Equity:            parseFloat(w.TotalEquity),
		MarginUtilization: parseFloat(w.AccountIMRate),
		FreeCollateral:    parseFloat(w.TotalAvailableBalance),
	}, nil
}

// GetPositions returns open linear positions.
func (c *BybitClient) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			Leverage      string `json:"leverage"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	query := url.Values{"category": {c.category}}
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", "USDT")
	}
	if err := c.get(ctx, "/v5/position/list", query, true, &result); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(result.List))
	for _, p := range result.List {
		side, ok := models.ParseSide(p.Side)
		size := parseFloat(p.Size)
		if !ok || size <= 0 {
			continue
		}
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			Leverage:      parseFloat(p.Leverage),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealisedPnL: parseFloat(p.UnrealisedPnl),
		})
	}
	return positions, nil
}

// SetLeverage sets buy and sell leverage of a symbol.
func (c *BybitClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := formatFloat(leverage)
	err := c.post(ctx, "/v5/position/set-leverage", map[string]interface{}{
		"category":     c.category,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, nil)
	if exErr, ok := businessError(err); ok && exErr.Code == strconv.Itoa(retLeverageNotChanged) {
		return nil
	}
	return err
}

// CreateOrder places an order and follows up with order reads to report fills.
// Exchange rejections are returned as a result with Accepted=false.
func (c *BybitClient) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	body := map[string]interface{}{
		"category":    c.category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         formatFloat(req.Qty),
		"timeInForce": string(req.TimeInForce),
		"reduceOnly":  req.ReduceOnly,
		"positionIdx": 0,
	}
	if req.Type == models.OrderTypeLimit {
		body["price"] = formatFloat(req.Price)
	}
	if req.OrderLinkID != "" {
		body["orderLinkId"] = req.OrderLinkID
	}
	if req.TakeProfit > 0 || req.StopLoss > 0 {
		body["tpslMode"] = "Full"
		if req.TakeProfit > 0 {
			body["takeProfit"] = formatFloat(req.TakeProfit)
		}
		if req.StopLoss > 0 {
			body["stopLoss"] = formatFloat(req.StopLoss)
		}
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &created); err != nil {
		if exErr, ok := businessError(err); ok {
			return &models.OrderResult{
				Accepted:     false,
				OrderLinkID:  req.OrderLinkID,
				Status:       models.StatusRejected,
				RejectReason: fmt.Sprintf("%s: %s", exErr.Code, exErr.Message),
			}, nil
		}
		return nil, err
	}

	result := &models.OrderResult{
		Accepted:    true,
		OrderID:     created.OrderID,
		OrderLinkID: created.OrderLinkID,
		Status:      models.StatusNew,
	}

	attempts := c.pollAttempts
	if req.TimeInForce == models.TIFGTC && req.Type == models.OrderTypeLimit {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		current, err := c.GetOrder(ctx, req.Symbol, created.OrderID)
		if err == nil {
			result.Status = current.Status
			result.FilledQty = current.FilledQty
			result.AvgPrice = current.AvgPrice
			result.RejectReason = current.RejectReason
			if settled(req, current.Status) {
				break
			}
		} else if !errors.Is(err, errors.ErrDataNotFound) {
			c.logger.Warn().Err(err).Str("order_id", created.OrderID).Msg("Order follow-up read failed")
		}
		if i < attempts-1 {
			if err := utils.Sleep(ctx, c.pollInterval); err != nil {
				break
			}
		}
	}

	if req.TimeInForce == models.TIFPostOnly && result.FilledQty == 0 &&
		(result.Status == models.StatusCancelled || result.Status == models.StatusRejected) {
		result.Accepted = false
		result.Status = models.StatusRejected
		if result.RejectReason == "" {
			result.RejectReason = "post-only order would take liquidity"
		}
	}
	return result, nil
}

// settled reports whether no further fill can arrive from the first match.
func settled(req *models.OrderRequest, s models.OrderStatus) bool {
	switch s {
	case models.StatusFilled, models.StatusCancelled, models.StatusRejected:
		return true
	case models.StatusNew:
		// A resting maker order has been accepted by the book
		return req.TimeInForce == models.TIFPostOnly || req.TimeInForce == models.TIFGTC
	}
	return false
}

func mapOrderStatus(s string) models.OrderStatus {
	switch s {
	case "New", "Created":
		return models.StatusNew
	case "PartiallyFilled":
		return models.StatusPartiallyFilled
	case "Filled":
		return models.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return models.StatusCancelled
	case "Rejected":
		return models.StatusRejected
	case "Untriggered", "Triggered":
		return models.StatusUntriggered
	}
	return models.StatusUnknown
}

type bybitOrder struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	OrderStatus   string `json:"orderStatus"`
	CumExecQty    string `json:"cumExecQty"`
	AvgPrice      string `json:"avgPrice"`
	RejectReason  string `json:"rejectReason"`
	StopOrderType string `json:"stopOrderType"`
	TriggerPrice  string `json:"triggerPrice"`
	Qty           string `json:"qty"`
}

// GetOrder returns the current state of an order.
func (c *BybitClient) GetOrder(ctx context.Context, symbol, orderID string) (*models.OrderResult, error) {
	var result struct {
		List []bybitOrder `json:"list"`
	}
	query := url.Values{"category": {c.category}, "symbol": {symbol}, "orderId": {orderID}}
	if err := c.get(ctx, "/v5/order/realtime", query, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, errors.Wrapf(errors.ErrDataNotFound, "order %s", orderID)
	}

	o := result.List[0]
	reason := o.RejectReason
	if reason == "EC_NoError" {
		reason = ""
	}
	status := mapOrderStatus(o.OrderStatus)
	return &models.OrderResult{
		Accepted:     status != models.StatusRejected,
		OrderID:      o.OrderID,
		OrderLinkID:  o.OrderLinkID,
		Status:       status,
		FilledQty:    parseFloat(o.CumExecQty),
		AvgPrice:     parseFloat(o.AvgPrice),
		RejectReason: reason,
	}, nil
}

// CancelOrder cancels an open order.
func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}, nil)
	if exErr, ok := businessError(err); ok {
		return errors.NewOrderError(orderID, symbol, "CANCEL", exErr.Message, errors.ErrOrderRejected)
	}
	return err
}

// ocoID encodes the pair identity; trading-stop orders carry no client id.
func ocoID(symbol string, tp, sl float64) string {
	return symbol + ":" + formatFloat(tp) + ":" + formatFloat(sl)
}

func parseOcoID(id string) (symbol string, tp, sl string, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return "", "", "", errors.NewValidationError("oco_id", id, "expected symbol:tp:sl")
	}
	return parts[0], parts[1], parts[2], nil
}

// CreateOcoOrder attaches a partial take-profit and stop-loss pair to the position.
// The target leg is a limit order and the stop leg a market order, both on mark price.
func (c *BybitClient) CreateOcoOrder(ctx context.Context, req *models.OcoRequest) (*models.OcoResult, error) {
	tpLimit := req.TPLimitPrice
	if tpLimit <= 0 {
		tpLimit = req.TakeProfit
	}
	qty := formatFloat(req.Qty)
	err := c.post(ctx, "/v5/position/trading-stop", map[string]interface{}{
		"category":     c.category,
		"symbol":       req.Symbol,
		"positionIdx":  0,
		"tpslMode":     "Partial",
		"takeProfit":   formatFloat(req.TakeProfit),
		"stopLoss":     formatFloat(req.StopLoss),
		"tpSize":       qty,
		"slSize":       qty,
		"tpOrderType":  "Limit",
		"tpLimitPrice": formatFloat(tpLimit),
		"slOrderType":  "Market",
		"tpTriggerBy":  "MarkPrice",
		"slTriggerBy":  "MarkPrice",
	}, nil)
	if err != nil {
		if exErr, ok := businessError(err); ok {
			return &models.OcoResult{
				Accepted:     false,
				Status:       models.StatusRejected,
				RejectReason: fmt.Sprintf("%s: %s", exErr.Code, exErr.Message),
			}, nil
		}
		return nil, err
	}
	return &models.OcoResult{
		Accepted: true,
		OcoID:    ocoID(req.Symbol, req.TakeProfit, req.StopLoss),
		Status:   models.StatusUntriggered,
	}, nil
}

// ocoLegs returns the open conditional orders that belong to the pair.
func (c *BybitClient) ocoLegs(ctx context.Context, symbol, id string) ([]bybitOrder, error) {
	sym, tp, sl, err := parseOcoID(id)
	if err != nil {
		return nil, err
	}
	if sym != symbol {
		return nil, errors.NewValidationError("oco_id", id, "symbol mismatch")
	}

	var result struct {
		List []bybitOrder `json:"list"`
	}
	query := url.Values{"category": {c.category}, "symbol": {symbol}, "orderFilter": {"tpslOrder"}}
	if err := c.get(ctx, "/v5/order/realtime", query, true, &result); err != nil {
		return nil, err
	}

	var legs []bybitOrder
	for _, o := range result.List {
		trigger := formatFloat(parseFloat(o.TriggerPrice))
		if trigger == formatFloat(parseFloat(tp)) || trigger == formatFloat(parseFloat(sl)) {
			legs = append(legs, o)
		}
	}
	return legs, nil
}

// GetOcoOrder reports Untriggered while both legs are live, PartiallyFilled
// when one remains and Cancelled when none does.
func (c *BybitClient) GetOcoOrder(ctx context.Context, symbol, id string) (*models.OcoResult, error) {
	legs, err := c.ocoLegs(ctx, symbol, id)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, leg := range legs {
		if mapOrderStatus(leg.OrderStatus) == models.StatusUntriggered {
			live++
		}
	}
	status := models.StatusCancelled
	switch {
	case live >= 2:
		status = models.StatusUntriggered
	case live == 1:
		status = models.StatusPartiallyFilled
	}
	return &models.OcoResult{Accepted: true, OcoID: id, Status: status}, nil
}

// CancelOcoOrder cancels every live leg of the pair.
func (c *BybitClient) CancelOcoOrder(ctx context.Context, symbol, id string) error {
	legs, err := c.ocoLegs(ctx, symbol, id)
	if err != nil {
		return err
	}
	var errs []string
	for _, leg := range legs {
		err := c.post(ctx, "/v5/order/cancel", map[string]interface{}{
			"category":    c.category,
			"symbol":      symbol,
			"orderId":     leg.OrderID,
			"orderFilter": "tpslOrder",
		}, nil)
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.NewOrderError(id, symbol, "CANCEL_OCO", strings.Join(errs, "; "), errors.ErrOrderRejected)
	}
	return nil
}

// Ensure BybitClient implements Gateway interface
var _ Gateway = (*BybitClient)(nil)
