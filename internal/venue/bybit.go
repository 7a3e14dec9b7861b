package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fundarb/pkg/ratelimit"
)

var bybitJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSPrivate  = "wss://stream.bybit.com/v5/private"
	bybitRecvWindow = "5000"
)

// Коды ошибок Bybit API v5, влияющие на классификацию
const (
	bybitCodeOrderNotFound1 = 110001 // order does not exist
	bybitCodeOrderNotFound2 = 20001  // order not exists or too late to cancel
	bybitCodeInsufficient   = 110007 // insufficient available balance
	bybitCodePostOnlyReject = 110017 // post-only order will take liquidity
	bybitCodeRateLimit      = 10006  // too many visits
	bybitCodeAuth           = 10003  // invalid api key
	bybitCodeAuthSign       = 10004  // invalid sign
)

// Bybit реализует Venue поверх Bybit API v5 (linear perpetuals)
type Bybit struct {
	apiKey    string
	secretKey string

	httpClient *HTTPClient
	limiter    *ratelimit.MultiLimiter
	log        *zap.Logger

	// приватный поток для position push-обновлений
	privateStream *Stream

	positionCallback PositionCallback
	callbackMu       sync.RWMutex

	// кэш GetMarketInfo: лимиты инструмента меняются редко
	marketInfo   map[string]*MarketInfo
	marketInfoMu sync.RWMutex

	closeChan chan struct{}
	closeOnce sync.Once
}

// NewBybit создаёт адаптер Bybit. Credentials передаются уже расшифрованными
func NewBybit(apiKey, secretKey string, log *zap.Logger) *Bybit {
	limiter := ratelimit.NewMultiLimiter()
	// лимиты Bybit: торговые эндпоинты жёстче рыночных данных
	limiter.Add("order", 10, 20)
	limiter.Add("market", 50, 100)
	limiter.Add("account", 10, 20)

	return &Bybit{
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: GetGlobalHTTPClient(),
		limiter:    limiter,
		log:        log.With(zap.String("venue", "bybit")),
		marketInfo: make(map[string]*MarketInfo),
		closeChan:  make(chan struct{}),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

// sign создаёт подпись запроса к Bybit API v5
func (b *Bybit) sign(timestamp, payload string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + payload
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// classify переводит код Bybit в унифицированную классификацию
func classifyBybitCode(code int) ErrorKind {
	switch code {
	case bybitCodeOrderNotFound1, bybitCodeOrderNotFound2:
		return KindNotFound
	case bybitCodeInsufficient:
		return KindInsufficientBalance
	case bybitCodePostOnlyReject:
		return KindCrossedBook
	case bybitCodeRateLimit:
		return KindRateLimited
	case bybitCodeAuth, bybitCodeAuthSign:
		return KindAuth
	default:
		return KindBadRequest
	}
}

// doRequest выполняет запрос к REST API через rate limiter категории
func (b *Bybit) doRequest(ctx context.Context, method, endpoint, category string, params map[string]string, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx, category); err != nil {
		return nil, NewError("bybit", KindNetwork, 0, "rate limiter wait interrupted", err)
	}

	var reqBody string
	var reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = bybitBaseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = bybitBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, _ := bybitJSON.Marshal(params)
			reqBody = string(jsonBytes)
		}
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		bodyReader = strings.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, NewError("bybit", KindBadRequest, 0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature := b.sign(timestamp, reqBody)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, NewError("bybit", KindNetwork, 0, "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError("bybit", KindNetwork, resp.StatusCode, "read response body", err)
	}

	if resp.StatusCode >= 500 {
		return nil, NewError("bybit", KindNetwork, resp.StatusCode, string(body), nil)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewError("bybit", KindRateLimited, resp.StatusCode, "http 429", nil)
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := bybitJSON.Unmarshal(body, &baseResp); err != nil {
		return nil, NewError("bybit", KindUnknown, resp.StatusCode, "decode response envelope", err)
	}

	if baseResp.RetCode != 0 {
		return nil, NewError("bybit", classifyBybitCode(baseResp.RetCode), baseResp.RetCode, baseResp.RetMsg, nil)
	}

	return body, nil
}

// PlaceOrder размещает ордер. Для KindLimitPostOnly используется
// timeInForce=PostOnly: биржа отклоняет ордер вместо исполнения тейкером
func (b *Bybit) PlaceOrder(ctx context.Context, p OrderParams) (*OrderResult, error) {
	bybitSide := "Buy"
	if p.Side == SideSell {
		bybitSide = "Sell"
	}

	params := map[string]string{
		"category": "linear",
		"symbol":   p.Symbol,
		"side":     bybitSide,
		"qty":      strconv.FormatFloat(p.Size, 'f', -1, 64),
	}

	switch p.Kind {
	case KindMarketIOC:
		params["orderType"] = "Market"
		params["timeInForce"] = "IOC"
	case KindLimitPostOnly:
		params["orderType"] = "Limit"
		params["timeInForce"] = "PostOnly"
		params["price"] = strconv.FormatFloat(p.Price, 'f', -1, 64)
	case KindLimit:
		params["orderType"] = "Limit"
		params["timeInForce"] = "GTC"
		params["price"] = strconv.FormatFloat(p.Price, 'f', -1, 64)
	default:
		return nil, NewError("bybit", KindBadRequest, 0, fmt.Sprintf("unsupported order kind %q", p.Kind), nil)
	}

	if p.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", "order", params, true)
	if err != nil {
		// отклонение post-only и нехватку баланса отдаём как неуспешный
		// результат, а не транспортную ошибку: движок различает эти случаи
		var ve *Error
		if ok := asVenueError(err, &ve); ok && (ve.Kind == KindCrossedBook || ve.Kind == KindInsufficientBalance) {
			return &OrderResult{
				Success:      false,
				ErrorKind:    ve.Kind,
				ErrorMessage: ve.Message,
			}, nil
		}
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode order create response", err)
	}

	result := &OrderResult{
		Success: true,
		OrderID: resp.Result.OrderID,
	}

	// для market-ордеров сразу подтягиваем исполнение
	if p.Kind == KindMarketIOC {
		if st, err := b.GetOrderStatus(ctx, p.Symbol, resp.Result.OrderID); err == nil {
			result.FilledSize = st.FilledAmount
			result.AvgFillPrice = st.AvgFillPrice
		}
	}

	return result, nil
}

// CancelOrder отменяет ордер. NOT_FOUND не является ошибкой: ордер мог
// исполниться или уже быть отменён, разбор этого случая лежит на движке
func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", "order", params, true)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Bybit) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}
	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel-all", "order", params, true)
	return err
}

func (b *Bybit) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", "order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode order status response", err)
	}

	if len(resp.Result.List) == 0 {
		return nil, NewError("bybit", KindNotFound, 0, "order "+orderID+" not found", ErrNotFound)
	}

	o := resp.Result.List[0]
	filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return &OrderStatus{
		OrderID:      o.OrderID,
		Status:       mapBybitOrderStatus(o.OrderStatus, filled),
		FilledAmount: filled,
		AvgFillPrice: avgPrice,
	}, nil
}

func mapBybitOrderStatus(s string, filled float64) string {
	switch s {
	case "New", "Created", "Untriggered":
		return OrderStatusNew
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled":
		return OrderStatusPartiallyFilled
	case "Cancelled", "Deactivated":
		if filled > 0 {
			return OrderStatusPartiallyFilled
		}
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}

func (b *Bybit) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"openOnly": "0",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", "order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID string `json:"orderId"`
				Side    string `json:"side"`
				Price   string `json:"price"`
				Qty     string `json:"qty"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode open orders response", err)
	}

	orders := make([]OpenOrder, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.Qty, 64)
		side := SideBuy
		if o.Side == "Sell" {
			side = SideSell
		}
		orders = append(orders, OpenOrder{
			ID:    o.OrderID,
			Side:  side,
			Price: price,
			Size:  qty,
		})
	}
	return orders, nil
}

func (b *Bybit) FetchOpenPositions(ctx context.Context) ([]*Position, error) {
	params := map[string]string{
		"category":   "linear",
		"settleCoin": "USDT",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", "account", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				Leverage      string `json:"leverage"`
				UnrealisedPnl string `json:"unrealisedPnl"`
				UpdatedTime   string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode positions response", err)
	}

	positions := make([]*Position, 0)
	for _, p := range resp.Result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(p.AvgPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		unrealizedPnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		updatedTime, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

		signedSize := size
		if p.Side == "Sell" {
			signedSize = -size
		}

		positions = append(positions, &Position{
			Symbol:        p.Symbol,
			SignedSize:    signedSize,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			Leverage:      leverage,
			UnrealizedPnl: unrealizedPnl,
			UpdatedAt:     time.UnixMilli(updatedTime),
		})
	}

	return positions, nil
}

func (b *Bybit) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", "market", params, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				MarkPrice string `json:"markPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return 0, NewError("bybit", KindUnknown, 0, "decode ticker response", err)
	}

	if len(resp.Result.List) == 0 {
		return 0, NewError("bybit", KindNotFound, 0, "ticker not found for "+symbol, nil)
	}

	markPrice, _ := strconv.ParseFloat(resp.Result.List[0].MarkPrice, 64)
	return markPrice, nil
}

func (b *Bybit) FetchOrderbook(ctx context.Context, symbol string, depth int) (*OrderbookSnapshot, error) {
	if depth > 500 {
		depth = 500
	}

	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    strconv.Itoa(depth),
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/orderbook", "market", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			Symbol string     `json:"s"`
			Bids   [][]string `json:"b"`
			Asks   [][]string `json:"a"`
			Ts     int64      `json:"ts"`
			Seq    int64      `json:"seq"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode orderbook response", err)
	}

	snapshot := &OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      make([]PriceLevel, len(resp.Result.Bids)),
		Asks:      make([]PriceLevel, len(resp.Result.Asks)),
		Timestamp: time.UnixMilli(resp.Result.Ts),
		Sequence:  resp.Result.Seq,
	}

	for i, bid := range resp.Result.Bids {
		price, _ := strconv.ParseFloat(bid[0], 64)
		size, _ := strconv.ParseFloat(bid[1], 64)
		snapshot.Bids[i] = PriceLevel{Price: price, Size: size}
	}
	for i, ask := range resp.Result.Asks {
		price, _ := strconv.ParseFloat(ask[0], 64)
		size, _ := strconv.ParseFloat(ask[1], 64)
		snapshot.Asks[i] = PriceLevel{Price: price, Size: size}
	}

	// bids по убыванию, asks по возрастанию
	sort.Slice(snapshot.Bids, func(i, j int) bool {
		return snapshot.Bids[i].Price > snapshot.Bids[j].Price
	})
	sort.Slice(snapshot.Asks, func(i, j int) bool {
		return snapshot.Asks[i].Price < snapshot.Asks[j].Price
	})

	return snapshot, nil
}

func (b *Bybit) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/execution/list", "account", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderID  string `json:"orderId"`
				Symbol   string `json:"symbol"`
				Side     string `json:"side"`
				ExecQty  string `json:"execQty"`
				ExecPrice string `json:"execPrice"`
				ExecFee  string `json:"execFee"`
				ExecTime string `json:"execTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode executions response", err)
	}

	trades := make([]Trade, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		qty, _ := strconv.ParseFloat(t.ExecQty, 64)
		price, _ := strconv.ParseFloat(t.ExecPrice, 64)
		fee, _ := strconv.ParseFloat(t.ExecFee, 64)
		ts, _ := strconv.ParseInt(t.ExecTime, 10, 64)

		side := SideBuy
		if t.Side == "Sell" {
			side = SideSell
		}

		trades = append(trades, Trade{
			OrderID:   t.OrderID,
			Symbol:    t.Symbol,
			Side:      side,
			Qty:       qty,
			Price:     price,
			Fee:       fee,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return trades, nil
}

func (b *Bybit) GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	b.marketInfoMu.RLock()
	if info, ok := b.marketInfo[symbol]; ok {
		b.marketInfoMu.RUnlock()
		return info, nil
	}
	b.marketInfoMu.RUnlock()

	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", "market", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty string `json:"minOrderQty"`
					QtyStep     string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, NewError("bybit", KindUnknown, 0, "decode instrument info response", err)
	}

	if len(resp.Result.List) == 0 {
		return nil, NewError("bybit", KindNotFound, 0, "instrument info not found for "+symbol, nil)
	}

	raw := resp.Result.List[0]
	minQty, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)
	qtyStep, _ := strconv.ParseFloat(raw.LotSizeFilter.QtyStep, 64)
	tickSize, _ := strconv.ParseFloat(raw.PriceFilter.TickSize, 64)

	info := &MarketInfo{
		Symbol:            symbol,
		LotSize:           qtyStep,
		TickSize:          tickSize,
		MinOrderSizeCoins: minQty,
		MinNotionalUSD:    5.0, // минимум Bybit для linear perpetuals
	}

	b.marketInfoMu.Lock()
	b.marketInfo[symbol] = info
	b.marketInfoMu.Unlock()

	return info, nil
}

// RegisterPositionCallback подключает приватный WebSocket (лениво) и
// транслирует position push-обновления в callback
func (b *Bybit) RegisterPositionCallback(cb PositionCallback) {
	b.callbackMu.Lock()
	b.positionCallback = cb
	b.callbackMu.Unlock()

	if b.privateStream != nil {
		return
	}

	stream := NewStream("bybit-private", bybitWSPrivate, DefaultStreamConfig(), b.log)
	stream.SetAuthFunc(b.authenticateWebSocket)
	stream.SetOnMessage(b.handlePrivateMessage)
	stream.SetOnDisconnect(func(err error) {
		if err != nil {
			b.log.Warn("private stream disconnected", zap.Error(err))
		}
	})

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"position"},
	}
	stream.AddSubscription(subMsg)

	b.privateStream = stream

	if err := stream.Connect(); err != nil {
		// reconnectLoop продолжит попытки, движок работает через polling fallback
		b.log.Error("private stream connect failed", zap.Error(err))
		return
	}
	if err := stream.Send(subMsg); err != nil {
		b.log.Warn("position subscribe failed", zap.Error(err))
	}
}

func (b *Bybit) authenticateWebSocket(conn *websocket.Conn) error {
	expires := time.Now().UnixMilli() + 10000

	message := fmt.Sprintf("GET/realtime%d", expires)
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	signature := hex.EncodeToString(h.Sum(nil))

	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.apiKey, expires, signature},
	}
	return conn.WriteJSON(authMsg)
}

func (b *Bybit) handlePrivateMessage(message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			EntryPrice    string `json:"entryPrice"`
			MarkPrice     string `json:"markPrice"`
			Leverage      string `json:"leverage"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"data"`
	}

	if err := bybitJSON.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Topic != "position" {
		return
	}

	b.callbackMu.RLock()
	callback := b.positionCallback
	b.callbackMu.RUnlock()
	if callback == nil {
		return
	}

	for _, p := range msg.Data {
		size, _ := strconv.ParseFloat(p.Size, 64)
		entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		unrealizedPnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)

		signedSize := size
		if p.Side == "Sell" {
			signedSize = -size
		}

		callback(&Position{
			Symbol:        p.Symbol,
			SignedSize:    signedSize,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			Leverage:      leverage,
			UnrealizedPnl: unrealizedPnl,
			UpdatedAt:     time.Now(),
		})
	}
}

// ClosePosition закрывает позицию reduce-only рыночным ордером
func (b *Bybit) ClosePosition(ctx context.Context, symbol string, originalSide Side, sizeCoins float64) (*OrderResult, error) {
	return b.PlaceOrder(ctx, OrderParams{
		Symbol:     symbol,
		Side:       originalSide.Opposite(),
		Kind:       KindMarketIOC,
		Size:       sizeCoins,
		ReduceOnly: true,
	})
}

func (b *Bybit) Shutdown() error {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})

	if b.privateStream != nil {
		b.privateStream.Close()
		b.privateStream = nil
	}
	return nil
}
