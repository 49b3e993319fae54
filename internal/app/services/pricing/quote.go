// Package pricing provides call-throughs to external pricing services: swap
// quotes and priority fee estimates. Both clients degrade explicitly when
// the upstream is unavailable; callers branch on the Degraded flag instead
// of catching transport errors.
package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/obscura-network/sip/internal/httputil"
	"github.com/obscura-network/sip/pkg/logger"
)

// QuoteRequest asks for the expected output of a swap.
type QuoteRequest struct {
	InputToken  string
	OutputToken string
	Amount      uint64
	SlippageBps int
}

// Quote is the pricing service's answer. Degraded quotes carry no amounts;
// the upstream was unreachable and the caller decides whether to proceed.
type Quote struct {
	InAmount       uint64    `json:"in_amount"`
	OutAmount      uint64    `json:"out_amount"`
	PriceImpactPct float64   `json:"price_impact_pct"`
	Route          []string  `json:"route"`
	Degraded       bool      `json:"degraded"`
	RetrievedAt    time.Time `json:"retrieved_at"`
}

// QuoteClient fetches swap quotes over HTTP.
type QuoteClient struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewQuoteClient constructs a quote client for the given endpoint.
func NewQuoteClient(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*QuoteClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("quote endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse quote endpoint: %w", err)
	}
	if client == nil {
		client = httputil.NewClient(5 * time.Second)
	}
	if log == nil {
		log = logger.NewDefault("pricing-quote")
	}
	return &QuoteClient{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

// GetQuote returns the expected swap output. A failed or malformed upstream
// response yields a Degraded quote, never an error, so outages are a policy
// decision for the caller rather than a fault.
func (c *QuoteClient) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.InputToken == "" || req.OutputToken == "" {
		return Quote{}, fmt.Errorf("input and output tokens are required")
	}
	if req.Amount == 0 {
		return Quote{}, fmt.Errorf("amount must be positive")
	}

	requestURL := *c.endpoint
	q := requestURL.Query()
	q.Set("inputMint", req.InputToken)
	q.Set("outputMint", req.OutputToken)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	if req.SlippageBps > 0 {
		q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	}
	requestURL.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("build quote request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.log.WithError(err).Warn("quote service unreachable")
		return c.degraded(req), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WithField("status", resp.StatusCode).Warn("quote service returned error status")
		return c.degraded(req), nil
	}

	body, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		c.log.WithError(err).Warn("quote response unreadable")
		return c.degraded(req), nil
	}

	parsed := gjson.ParseBytes(body)
	outAmount := parsed.Get("outAmount")
	if !outAmount.Exists() {
		c.log.Warn("quote response missing outAmount")
		return c.degraded(req), nil
	}

	quote := Quote{
		InAmount:       req.Amount,
		OutAmount:      outAmount.Uint(),
		PriceImpactPct: parsed.Get("priceImpactPct").Float(),
		RetrievedAt:    time.Now().UTC(),
	}
	for _, hop := range parsed.Get("routePlan.#.swapInfo.label").Array() {
		quote.Route = append(quote.Route, hop.String())
	}
	return quote, nil
}

func (c *QuoteClient) degraded(req QuoteRequest) Quote {
	return Quote{
		InAmount:    req.Amount,
		Degraded:    true,
		RetrievedAt: time.Now().UTC(),
	}
}
