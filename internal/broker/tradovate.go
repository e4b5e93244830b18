package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"copytrader/internal/config"
	"copytrader/internal/token"
	"copytrader/pkg/types"
)

// Client is the Tradovate REST API client. It keeps one resty client per
// environment (live, demo), rate-limits per endpoint family, and translates
// HTTP outcomes into structured broker errors.
type Client struct {
	live   *resty.Client
	demo   *resty.Client
	rl     *RateLimiter
	syms   *symbolCache
	tokens *token.Cache
	dryRun bool
	logger *slog.Logger

	dryOrderID atomic.Int64
}

// NewClient creates a Tradovate client. The token cache is attached
// afterwards with UseTokens because the cache itself needs the client as
// its refresher.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		live:   newHTTPClient(cfg.Broker.LiveBaseURL, cfg.Broker.Timeout),
		demo:   newHTTPClient(cfg.Broker.DemoBaseURL, cfg.Broker.Timeout),
		rl:     NewRateLimiter(),
		syms:   newSymbolCache(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "broker"),
	}
}

func newHTTPClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(_ *resty.Response, err error) bool {
			// Only requests that provably never reached the broker retry:
			// DNS and dial failures. A timeout may have been submitted and
			// re-sending it risks a duplicate fill, so it is final.
			return err != nil && preSubmitFailure(err)
		}).
		SetHeader("Content-Type", "application/json")
}

// UseTokens attaches the token cache used to authenticate requests.
func (c *Client) UseTokens(t *token.Cache) { c.tokens = t }

func (c *Client) envClient(acct *types.Account) (*resty.Client, string) {
	if acct.Demo {
		return c.demo, "demo"
	}
	return c.live, "live"
}

func (c *Client) bearer(ctx context.Context, acct *types.Account) (string, error) {
	access, err := c.tokens.Get(ctx, acct.ID)
	if err != nil {
		return "", err
	}
	return "Bearer " + access, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type placeOrderRequest struct {
	AccountID   int64  `json:"accountId"`
	Action      string `json:"action"`
	Symbol      string `json:"symbol"`
	OrderQty    int64  `json:"orderQty"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price,omitempty"`
	StopPrice   string `json:"stopPrice,omitempty"`
	LinkGroupID string `json:"linkGroupId,omitempty"`
	IsAutomated bool   `json:"isAutomated"`
}

type placeOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	FillPrice     string `json:"fillPrice,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	FailureText   string `json:"failureText,omitempty"`
}

// PlaceOrder submits one order. Exactly one attempt: a rejection or timeout
// is final.
func (c *Client) PlaceOrder(ctx context.Context, acct *types.Account, sub *types.Subaccount, req OrderRequest) (OrderResult, error) {
	if c.dryRun {
		id := c.dryOrderID.Add(1)
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Quantity, "type", req.Type)
		return OrderResult{BrokerOrderID: id, FillPrice: req.Price}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return OrderResult{}, err
	}
	auth, err := c.bearer(ctx, acct)
	if err != nil {
		return OrderResult{}, err
	}

	body := placeOrderRequest{
		AccountID:   sub.BrokerID,
		Action:      tradovateAction(req.Side),
		Symbol:      req.Symbol,
		OrderQty:    req.Quantity,
		OrderType:   tradovateOrderType(req.Type),
		LinkGroupID: req.LinkGroup,
		IsAutomated: true,
	}
	switch req.Type {
	case types.OrderTypeLimit:
		body.Price = req.Price.String()
	case types.OrderTypeStop:
		body.StopPrice = req.Price.String()
	}

	var result placeOrderResponse
	resp, err := c.env(acct).R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetBody(body).
		SetResult(&result).
		Post("/v1/order/placeorder")
	if err := c.classify("place_order", resp, err); err != nil {
		return OrderResult{}, err
	}
	if result.FailureReason != "" {
		return OrderResult{}, types.NewBrokerError(types.ErrBrokerRejected, "place_order",
			fmt.Sprintf("%s: %s", result.FailureReason, result.FailureText), nil)
	}
	if result.OrderID == 0 {
		// Empty acknowledgement counts as a rejection; the order may or may
		// not exist broker-side and must not be re-sent.
		return OrderResult{}, types.NewBrokerError(types.ErrBrokerRejected, "place_order",
			"empty order acknowledgement", nil)
	}

	out := OrderResult{BrokerOrderID: result.OrderID, NativeOCO: req.LinkGroup != ""}
	if result.FillPrice != "" {
		if p, perr := decimal.NewFromString(result.FillPrice); perr == nil {
			out.FillPrice = p
		}
	}
	return out, nil
}

// CancelOrder cancels one working order by broker id.
func (c *Client) CancelOrder(ctx context.Context, acct *types.Account, brokerOrderID int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", brokerOrderID)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	auth, err := c.bearer(ctx, acct)
	if err != nil {
		return err
	}

	resp, err := c.env(acct).R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetBody(map[string]int64{"orderId": brokerOrderID}).
		Post("/v1/order/cancelorder")
	return c.classify("cancel_order", resp, err)
}

// ————————————————————————————————————————————————————————————————————————
// Market data and contracts
// ————————————————————————————————————————————————————————————————————————

type quoteResponse struct {
	Symbol string `json:"symbol"`
	Last   string `json:"last"`
}

// GetQuote fetches the last trade price for a contract.
func (c *Client) GetQuote(ctx context.Context, acct *types.Account, symbol string) (Quote, error) {
	if c.dryRun {
		return Quote{}, types.NewBrokerError(types.ErrTransportUnreachable, "get_quote",
			"no market data in dry-run mode", nil)
	}
	if err := c.rl.Data.Wait(ctx); err != nil {
		return Quote{}, err
	}
	auth, err := c.bearer(ctx, acct)
	if err != nil {
		return Quote{}, err
	}

	var result quoteResponse
	resp, err := c.env(acct).R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/v1/md/getquote")
	if err := c.classify("get_quote", resp, err); err != nil {
		return Quote{}, err
	}

	last, perr := decimal.NewFromString(result.Last)
	if perr != nil {
		return Quote{}, types.NewBrokerError(types.ErrBrokerRejected, "get_quote",
			fmt.Sprintf("unparseable last price %q", result.Last), perr)
	}
	return Quote{Symbol: symbol, Last: last, At: time.Now()}, nil
}

type contractResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ResolveSymbol maps a TradingView ticker to the concrete front contract.
// One live lookup per (environment, ticker, day); the static front-month
// inference backs the lookup when it fails.
func (c *Client) ResolveSymbol(ctx context.Context, acct *types.Account, ticker string, at time.Time) (string, error) {
	_, env := c.envClient(acct)
	if cached, ok := c.syms.get(env, ticker, at); ok {
		return cached, nil
	}

	inferred := FrontMonthSymbol(rootOf(ticker), at)
	if c.dryRun {
		c.syms.put(env, ticker, at, inferred)
		return inferred, nil
	}

	name, err := c.findContract(ctx, acct, inferred)
	if err != nil {
		c.logger.Warn("contract lookup failed, using inferred front month",
			"ticker", ticker, "inferred", inferred, "error", err)
		name = inferred
	}
	c.syms.put(env, ticker, at, name)
	return name, nil
}

func (c *Client) findContract(ctx context.Context, acct *types.Account, name string) (string, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return "", err
	}
	auth, err := c.bearer(ctx, acct)
	if err != nil {
		return "", err
	}

	var result contractResponse
	resp, err := c.env(acct).R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetQueryParam("name", name).
		SetResult(&result).
		Get("/v1/contract/find")
	if err := c.classify("resolve_symbol", resp, err); err != nil {
		return "", err
	}
	if result.Name == "" {
		return "", types.NewBrokerError(types.ErrBrokerRejected, "resolve_symbol",
			fmt.Sprintf("contract %q not found", name), nil)
	}
	return result.Name, nil
}

type brokerPositionRow struct {
	AccountID int64  `json:"accountId"`
	Symbol    string `json:"symbol"`
	NetPos    int64  `json:"netPos"`
	NetPrice  string `json:"netPrice"`
}

// ListOpenPositions returns the broker's net positions for one subaccount.
// Reconciliation audit only; the position tracker never calls this.
func (c *Client) ListOpenPositions(ctx context.Context, acct *types.Account, sub *types.Subaccount) ([]BrokerPosition, error) {
	if c.dryRun {
		return nil, nil
	}
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	auth, err := c.bearer(ctx, acct)
	if err != nil {
		return nil, err
	}

	var rows []brokerPositionRow
	resp, err := c.env(acct).R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetResult(&rows).
		Get("/v1/position/list")
	if err := c.classify("list_positions", resp, err); err != nil {
		return nil, err
	}

	out := make([]BrokerPosition, 0, len(rows))
	for _, row := range rows {
		if row.AccountID != sub.BrokerID || row.NetPos == 0 {
			continue
		}
		avg, _ := decimal.NewFromString(row.NetPrice)
		out = append(out, BrokerPosition{Symbol: row.Symbol, NetQty: row.NetPos, AvgPrice: avg})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// OAuth
// ————————————————————————————————————————————————————————————————————————

type oauthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error,omitempty"`
	ErrorText    string `json:"error_description,omitempty"`
}

// ExchangeAuthCode trades an OAuth authorization code for a token grant.
func (c *Client) ExchangeAuthCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (token.Grant, error) {
	return c.oauth(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURI,
		"client_id":     clientID,
		"client_secret": clientSecret,
	})
}

// RefreshToken performs the refresh exchange. An invalid_grant answer comes
// back as kind token_invalid so the caller escalates to re-authorization.
func (c *Client) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (token.Grant, error) {
	return c.oauth(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
		"client_secret": clientSecret,
	})
}

func (c *Client) oauth(ctx context.Context, form map[string]string) (token.Grant, error) {
	if err := c.rl.Auth.Wait(ctx); err != nil {
		return token.Grant{}, err
	}

	var result oauthResponse
	resp, err := c.live.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(form).
		SetResult(&result).
		SetError(&result).
		Post("/auth/oauthtoken")
	if err != nil {
		return token.Grant{}, types.NewBrokerError(types.ErrTransportUnreachable, "oauth", "token endpoint unreachable", err)
	}
	if result.Error == "invalid_grant" {
		return token.Grant{}, types.NewBrokerError(types.ErrTokenInvalid, "oauth",
			fmt.Sprintf("invalid_grant: %s", result.ErrorText), nil)
	}
	if resp.StatusCode() != http.StatusOK || result.Error != "" {
		return token.Grant{}, types.NewBrokerError(types.ErrBrokerRejected, "oauth",
			fmt.Sprintf("status %d: %s %s", resp.StatusCode(), result.Error, result.ErrorText), nil)
	}
	if result.AccessToken == "" {
		return token.Grant{}, types.NewBrokerError(types.ErrBrokerRejected, "oauth", "empty token grant", nil)
	}

	return token.Grant{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (c *Client) env(acct *types.Account) *resty.Client {
	cl, _ := c.envClient(acct)
	return cl
}

// classify maps an HTTP outcome to the structured error taxonomy.
func (c *Client) classify(op string, resp *resty.Response, err error) error {
	switch {
	case err != nil:
		if ctxErr := errContext(err); ctxErr != "" {
			return types.NewBrokerError(types.ErrBrokerTimeout, op, ctxErr, err)
		}
		return types.NewBrokerError(types.ErrTransportUnreachable, op, "request failed", err)
	case resp.StatusCode() == http.StatusUnauthorized:
		return types.NewBrokerError(types.ErrTokenExpired, op, "access token rejected", nil)
	case resp.StatusCode() >= 400:
		return types.NewBrokerError(types.ErrBrokerRejected, op,
			fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()), nil)
	default:
		return nil
	}
}

// preSubmitFailure reports whether a transport error provably occurred
// before the request left this host. Anything past the dial, timeouts
// included, may have reached the broker and must not be re-sent.
func preSubmitFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func errContext(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout") {
		return "broker call timed out"
	}
	return ""
}

func tradovateAction(side types.OrderSide) string {
	if side == types.OrderBuy {
		return "Buy"
	}
	return "Sell"
}

func tradovateOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeLimit:
		return "Limit"
	case types.OrderTypeStop:
		return "Stop"
	default:
		return "Market"
	}
}
