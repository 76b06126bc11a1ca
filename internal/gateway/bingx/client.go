package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sigflow/internal/logger"
)

// Client wraps the BingX perpetual-swap REST API used by the pipeline.
// 签名：对按 key 排序的 query string（含毫秒 timestamp）做 HMAC-SHA256。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	secretKey  string
	maxRetries int
}

// Config Client 构造参数。
type Config struct {
	BaseURL        string
	APIKey         string
	SecretKey      string
	TimeoutSeconds int
	MaxRetries     int
}

func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("exchange.base_url 不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 exchange.base_url 失败: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		maxRetries: retries,
	}, nil
}

// sign 生成 HMAC-SHA256 签名（按 key 排序的 urlencode 串）。
func (c *Client) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params.Get(k)))
	}
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doRequest 发起一次请求并解出 data 段。网络/限频类错误按指数退避重试；
// 业务错误（code != 0）直接返回 *APIError，不重试。
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
			backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		data, retryable, err := c.doOnce(ctx, method, path, cloneValues(params), signed)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		logger.Warnf("bingx 请求失败，准备重试(%d/%d): %v", attempt+1, c.maxRetries, err)
	}
	return nil, fmt.Errorf("bingx 重试预算耗尽: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) (json.RawMessage, bool, error) {
	if signed {
		params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
		params.Set("signature", c.sign(params))
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, false, fmt.Errorf("解析路径失败: %w", err)
	}
	endpoint := c.baseURL.ResolveReference(rel)
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("构造请求失败: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-BX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 超时/连接类错误视为未知态，交给下一轮轮询对账
		return nil, true, fmt.Errorf("调用 bingx 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("bingx 限频(429)")
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("bingx 服务端错误: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("bingx 返回错误(%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("解析响应失败: %w", err)
	}
	if env.Code != 0 {
		return nil, false, &APIError{Code: env.Code, Msg: env.Msg}
	}
	return env.Data, false, nil
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		for _, x := range vals {
			out.Add(k, x)
		}
	}
	return out
}

// IsBusinessError 判断是否为交易所业务错误（不重试、标记失败）。
func IsBusinessError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// ------------------------------------------------------------------
// 行情与账户
// ------------------------------------------------------------------

// GetBalance 查询 USDT 可用余额。
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil, true)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Balance struct {
			Balance string `json:"balance"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("解析余额失败: %w", err)
	}
	return safeDecimal(payload.Balance.Balance, decimal.Zero), nil
}

// GetSymbolInfo 查询合约精度（tick/step/minQty）。
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/quote/contracts", nil, false)
	if err != nil {
		return nil, err
	}
	var contracts []struct {
		Symbol   string `json:"symbol"`
		TickSize string `json:"tickSize"`
		Lot      struct {
			QtyStep string `json:"qtyStep"`
			MinQty  string `json:"minQty"`
		} `json:"lotSizeFilter"`
	}
	if err := json.Unmarshal(data, &contracts); err != nil {
		return nil, fmt.Errorf("解析合约列表失败: %w", err)
	}
	formatted := FormatSymbol(symbol)
	for _, ct := range contracts {
		if ct.Symbol != formatted {
			continue
		}
		info := &SymbolInfo{
			Symbol:   NormalizeSymbol(ct.Symbol),
			TickSize: safeDecimal(ct.TickSize, decimal.Zero),
			QtyStep:  safeDecimal(ct.Lot.QtyStep, decimal.Zero),
			MinQty:   safeDecimal(ct.Lot.MinQty, decimal.RequireFromString("0.001")),
		}
		if info.MinQty.Sign() <= 0 {
			logger.Warnf("交易所返回的 minQty 非法(symbol=%s)，回退 0.001", symbol)
			info.MinQty = decimal.RequireFromString("0.001")
		}
		return info, nil
	}
	return nil, fmt.Errorf("未找到合约: %s", formatted)
}

// GetMarkPrice 查询最新成交价（LTP）。
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	data, err := c.doRequest(ctx, http.MethodGet, "/openApi/swap/v3/quote/price", params, false)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("解析价格失败: %w", err)
	}
	return safeDecimal(payload.Price, decimal.Zero), nil
}

// ------------------------------------------------------------------
// 订单
// ------------------------------------------------------------------

type orderData struct {
	Order struct {
		OrderID json.Number `json:"orderId"`
	} `json:"order"`
	OrderID json.Number `json:"orderId"`
}

func (d orderData) id() string {
	if s := d.Order.OrderID.String(); s != "" && s != "0" {
		return s
	}
	if s := d.OrderID.String(); s != "" && s != "0" {
		return s
	}
	return ""
}

// PlaceLimit 下限价单，返回交易所订单号。
func (c *Client) PlaceLimit(ctx context.Context, req LimitOrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(req.Symbol))
	params.Set("side", req.Side)
	params.Set("positionSide", req.PositionSide)
	params.Set("type", "LIMIT")
	params.Set("price", req.Price.String())
	params.Set("quantity", req.Quantity.String())
	tif := req.TimeInForce
	if tif == "" {
		tif = "GTC"
	}
	if req.PostOnly {
		tif = "PostOnly"
	}
	params.Set("timeInForce", tif)
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return c.placeOrder(ctx, params)
}

// PlaceMarket 下市价单。
func (c *Client) PlaceMarket(ctx context.Context, req MarketOrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(req.Symbol))
	params.Set("side", req.Side)
	params.Set("positionSide", req.PositionSide)
	params.Set("type", "MARKET")
	params.Set("quantity", req.Quantity.String())
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return c.placeOrder(ctx, params)
}

// PlaceStopMarket 下条件市价单（触发价成交）。
func (c *Client) PlaceStopMarket(ctx context.Context, req StopOrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(req.Symbol))
	params.Set("side", req.Side)
	params.Set("positionSide", req.PositionSide)
	params.Set("type", "STOP_MARKET")
	params.Set("stopPrice", req.StopPrice.String())
	params.Set("quantity", req.Quantity.String())
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	return c.placeOrder(ctx, params)
}

func (c *Client) placeOrder(ctx context.Context, params url.Values) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/openApi/swap/v3/trade/order", params, true)
	if err != nil {
		return "", err
	}
	var od orderData
	if err := json.Unmarshal(data, &od); err != nil {
		return "", fmt.Errorf("解析下单响应失败: %w", err)
	}
	oid := od.id()
	if oid == "" {
		return "", fmt.Errorf("bingx 未返回 orderId")
	}
	logger.Infof("✓ 订单已受理 orderId=%s symbol=%s side=%s", oid, params.Get("symbol"), params.Get("side"))
	return oid, nil
}

// GetOrder 查询订单状态。
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	params.Set("orderId", orderID)
	data, err := c.doRequest(ctx, http.MethodGet, "/openApi/swap/v3/trade/order", params, true)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Order struct {
			OrderID     json.Number `json:"orderId"`
			Symbol      string      `json:"symbol"`
			Side        string      `json:"side"`
			Status      string      `json:"status"`
			Price       string      `json:"price"`
			OrigQty     string      `json:"origQty"`
			ExecutedQty string      `json:"executedQty"`
			AvgPrice    string      `json:"avgPrice"`
		} `json:"order"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("解析订单状态失败: %w", err)
	}
	o := payload.Order
	return &Order{
		OrderID:      o.OrderID.String(),
		Symbol:       NormalizeSymbol(o.Symbol),
		Side:         strings.ToUpper(o.Side),
		Status:       strings.ToUpper(o.Status),
		Price:        safeDecimal(o.Price, decimal.Zero),
		Quantity:     safeDecimal(o.OrigQty, decimal.Zero),
		ExecutedQty:  safeDecimal(o.ExecutedQty, decimal.Zero),
		AvgFillPrice: safeDecimal(o.AvgPrice, decimal.Zero),
	}, nil
}

// Cancel 撤销订单。
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/openApi/swap/v3/trade/order", params, true)
	if err == nil {
		logger.Infof("✓ 订单已撤销 orderId=%s", orderID)
	}
	return err
}

// GetPositions 查询持仓；symbol 为空时查全部。
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := url.Values{}
	if strings.TrimSpace(symbol) != "" {
		params.Set("symbol", FormatSymbol(symbol))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", params, true)
	if err != nil {
		return nil, err
	}
	var payload []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		AvgPrice         string `json:"avgPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		InitialMargin    string `json:"initialMargin"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("解析持仓失败: %w", err)
	}
	out := make([]Position, 0, len(payload))
	for _, p := range payload {
		out = append(out, Position{
			Symbol:           NormalizeSymbol(p.Symbol),
			PositionSide:     strings.ToUpper(p.PositionSide),
			Qty:              safeDecimal(p.PositionAmt, decimal.Zero).Abs(),
			EntryPrice:       safeDecimal(p.AvgPrice, decimal.Zero),
			UnrealizedProfit: safeDecimal(p.UnrealizedProfit, decimal.Zero),
			InitialMargin:    safeDecimal(p.InitialMargin, decimal.Zero),
		})
	}
	return out, nil
}

// SetLeverage 设置符号杠杆。
func (c *Client) SetLeverage(ctx context.Context, symbol, positionSide string, leverage decimal.Decimal) error {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	params.Set("side", positionSide)
	params.Set("leverage", leverage.Round(0).String())
	_, err := c.doRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params, true)
	return err
}

// safeDecimal 防御交易所元数据异常（空串/非法值）。
func safeDecimal(s string, def decimal.Decimal) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return d
}
