package pricing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/obscura-network/sip/internal/httputil"
	"github.com/obscura-network/sip/pkg/logger"
)

// DefaultPriorityFee is used when the fee service is degraded.
const DefaultPriorityFee = 1000

// FeeEstimate is a priority fee recommendation in the ledger's smallest fee
// unit.
type FeeEstimate struct {
	PerUnitFee  uint64    `json:"per_unit_fee"`
	Degraded    bool      `json:"degraded"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// FeeClient fetches priority fee estimates over HTTP.
type FeeClient struct {
	client   *http.Client
	endpoint string
	log      *logger.Logger
}

// NewFeeClient constructs a fee client for the given endpoint.
func NewFeeClient(client *http.Client, endpoint string, log *logger.Logger) (*FeeClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("fee endpoint required")
	}
	if client == nil {
		client = httputil.NewClient(5 * time.Second)
	}
	if log == nil {
		log = logger.NewDefault("pricing-fee")
	}
	return &FeeClient{client: client, endpoint: endpoint, log: log}, nil
}

// EstimatePriorityFee returns the recommended per-unit priority fee. When
// the upstream is unavailable the estimate is Degraded and carries
// DefaultPriorityFee.
func (c *FeeClient) EstimatePriorityFee(ctx context.Context) (FeeEstimate, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("build fee request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.log.WithError(err).Warn("fee service unreachable")
		return c.degraded(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WithField("status", resp.StatusCode).Warn("fee service returned error status")
		return c.degraded(), nil
	}

	body, err := httputil.ReadAllStrict(resp.Body, 64<<10)
	if err != nil {
		c.log.WithError(err).Warn("fee response unreadable")
		return c.degraded(), nil
	}

	fee := gjson.GetBytes(body, "priorityFee")
	if !fee.Exists() {
		// Some providers nest the value per confidence level.
		fee = gjson.GetBytes(body, "priorityFeeLevels.high")
	}
	if !fee.Exists() {
		c.log.Warn("fee response missing priority fee")
		return c.degraded(), nil
	}

	return FeeEstimate{
		PerUnitFee:  fee.Uint(),
		RetrievedAt: time.Now().UTC(),
	}, nil
}

func (c *FeeClient) degraded() FeeEstimate {
	return FeeEstimate{
		PerUnitFee:  DefaultPriorityFee,
		Degraded:    true,
		RetrievedAt: time.Now().UTC(),
	}
}
