// Package exchange implements the Binance USDⓈ-M futures REST and
// user-data-stream clients.
//
// The REST client (Client) covers exactly what the monitor consumes:
//   - Account:          GET  /fapi/v2/account        (signed) — balances + position margins
//   - PositionRisk:     GET  /fapi/v2/positionRisk   (signed) — mark price, leverage, margin type
//   - PremiumIndex:     GET  /fapi/v1/premiumIndex            — predicted funding rates
//   - OpenInterest:     GET  /fapi/v1/openInterest            — per-symbol OI in base units
//   - TokenInfo:        GET  apex token-info                  — market cap, 24h volume, HHI
//   - Listen key:       POST/PUT/DELETE /fapi/v1/listenKey    — user-data-stream lifecycle
//
// Every request goes through a resty client with retry on 5xx
// (500 ms → 5 s, factor 2). Numeric fields stay decimal strings until the
// caller converts them.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	defaultApexBaseURL = "https://www.binance.com"

	listenKeyAttempts  = 5
	listenKeyRetryWait = 500 * time.Millisecond
	listenKeyRetryCap  = 5 * time.Second
)

// Client is the Binance futures REST API client.
type Client struct {
	http   *resty.Client // fapi host
	apex   *resty.Client // www host for the apex token-info endpoint
	key    string
	secret string
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a REST client with retry wired the standard way.
func NewClient(baseURL, apiKey, apiSecret string, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
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
	}

	return &Client{
		http:   newHTTP(baseURL),
		apex:   newHTTP(defaultApexBaseURL),
		key:    apiKey,
		secret: apiSecret,
		logger: logger.With("component", "exchange"),
		now:    time.Now,
	}
}

// SetApexBaseURL redirects the token-info endpoint (used by tests).
func (c *Client) SetApexBaseURL(base string) { c.apex.SetBaseURL(base) }

// AccountPosition is one row of the account endpoint's positions array.
type AccountPosition struct {
	Symbol         string `json:"symbol"`
	InitialMargin  string `json:"initialMargin"`
	MaintMargin    string `json:"maintMargin"`
	Leverage       string `json:"leverage"`
	EntryPrice     string `json:"entryPrice"`
	PositionSide   string `json:"positionSide"`
	PositionAmt    string `json:"positionAmt"`
	Notional       string `json:"notional"`
	Isolated       bool   `json:"isolated"`
	IsolatedWallet string `json:"isolatedWallet"`
	UpdateTime     int64  `json:"updateTime"`
}

// AccountInfo is the signed /fapi/v2/account response, trimmed to the fields
// the monitor reads.
type AccountInfo struct {
	TotalInitialMargin string            `json:"totalInitialMargin"`
	TotalMarginBalance string            `json:"totalMarginBalance"`
	AvailableBalance   string            `json:"availableBalance"`
	Positions          []AccountPosition `json:"positions"`
}

// PositionRisk is one row of the signed /fapi/v2/positionRisk response.
type PositionRisk struct {
	Symbol         string `json:"symbol"`
	PositionAmt    string `json:"positionAmt"`
	EntryPrice     string `json:"entryPrice"`
	MarkPrice      string `json:"markPrice"`
	Leverage       string `json:"leverage"`
	MarginType     string `json:"marginType"`
	IsolatedMargin string `json:"isolatedMargin"`
	PositionSide   string `json:"positionSide"`
	Notional       string `json:"notional"`
	UpdateTime     int64  `json:"updateTime"`
}

// PremiumIndex is one row of /fapi/v1/premiumIndex.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// OpenInterest is the /fapi/v1/openInterest response.
type OpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// TokenInfo carries the apex marketing metrics for a base asset.
// Fields are nil when the endpoint omitted or failed to parse them.
type TokenInfo struct {
	MarketCap *decimal.Decimal
	Volume24h *decimal.Decimal
	HHI       *decimal.Decimal
}

func (c *Client) getSigned(ctx context.Context, path string, params url.Values, result any) error {
	query := signedQuery(c.secret, params, c.now())
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryString(query).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("get %s: auth rejected: %s", path, resp.String())
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// Account fetches balances and per-position margins.
func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.getSigned(ctx, "/fapi/v2/account", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PositionRiskAll fetches position risk for every symbol with exposure.
func (c *Client) PositionRiskAll(ctx context.Context) ([]PositionRisk, error) {
	var rows []PositionRisk
	if err := c.getSigned(ctx, "/fapi/v2/positionRisk", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PremiumIndexAll fetches the premium index (funding) for all symbols.
func (c *Client) PremiumIndexAll(ctx context.Context) ([]PremiumIndex, error) {
	var rows []PremiumIndex
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("/fapi/v1/premiumIndex")
	if err != nil {
		return nil, fmt.Errorf("get premium index: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get premium index: status %d: %s", resp.StatusCode(), resp.String())
	}
	return rows, nil
}

// GetOpenInterest fetches current open interest for one symbol.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	var oi OpenInterest
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&oi).
		Get("/fapi/v1/openInterest")
	if err != nil {
		return nil, fmt.Errorf("get open interest: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open interest: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &oi, nil
}

// apexTokenInfoResponse is the raw apex envelope. The data payload uses
// loosely-typed values: numbers arrive both bare and as strings with
// thousands separators.
type apexTokenInfoResponse struct {
	Code string `json:"code"`
	Data struct {
		MarketCap any `json:"marketCap"`
		Volume24h any `json:"volume24H"`
		HHI       any `json:"hhi"`
	} `json:"data"`
}

// GetTokenInfo fetches market cap, 24h volume and concentration for a base
// asset from the apex marketing endpoint. Success requires code "000000".
func (c *Client) GetTokenInfo(ctx context.Context, baseAsset string) (*TokenInfo, error) {
	var result apexTokenInfoResponse
	resp, err := c.apex.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToUpper(baseAsset)).
		SetResult(&result).
		Get("/bapi/apex/v1/friendly/apex/marketing/web/token-info")
	if err != nil {
		return nil, fmt.Errorf("get token info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get token info: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Code != "000000" {
		return nil, fmt.Errorf("get token info: code %s", result.Code)
	}

	info := &TokenInfo{
		MarketCap: parseFlexibleDecimal(result.Data.MarketCap),
		Volume24h: parseFlexibleDecimal(result.Data.Volume24h),
		HHI:       parseFlexibleDecimal(result.Data.HHI),
	}
	return info, nil
}

// parseFlexibleDecimal accepts JSON numbers and decimal strings, tolerating
// thousands separators ("1,234,567.89"). Returns nil when the value is
// absent or unparseable.
func parseFlexibleDecimal(v any) *decimal.Decimal {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		d := decimal.NewFromFloat(t)
		return &d
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		if s == "" {
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil
		}
		return &d
	default:
		return nil
	}
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey obtains a user-data-stream listen key, retrying up to five
// attempts with exponential backoff. Startup aborts when all attempts fail.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	wait := listenKeyRetryWait
	var lastErr error
	for attempt := 1; attempt <= listenKeyAttempts; attempt++ {
		var result listenKeyResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("X-MBX-APIKEY", c.key).
			SetResult(&result).
			Post("/fapi/v1/listenKey")
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode() != http.StatusOK:
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
		case result.ListenKey == "":
			lastErr = fmt.Errorf("empty listen key")
		default:
			return result.ListenKey, nil
		}

		c.logger.Warn("listen key creation failed",
			"attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > listenKeyRetryCap {
			wait = listenKeyRetryCap
		}
	}
	return "", fmt.Errorf("create listen key: %w", lastErr)
}

// KeepAliveListenKey extends the listen key's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryParam("listenKey", key).
		Put("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("keepalive listen key: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// CloseListenKey destroys the listen key on shutdown.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryParam("listenKey", key).
		Delete("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("close listen key: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
