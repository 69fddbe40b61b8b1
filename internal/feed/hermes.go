// Package feed pulls oracle prices from Pyth Hermes into the shared price
// cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HermesClient is a REST client for a Pyth Hermes price service.
type HermesClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHermesClient creates a client for baseURL, e.g.
// "https://hermes.pyth.network".
func NewHermesClient(baseURL string, timeout time.Duration) *HermesClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HermesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Quote is one Hermes price with its exponent applied.
type Quote struct {
	FeedID      string
	Price       decimal.Decimal
	Conf        decimal.Decimal
	PublishTime time.Time
}

type apiPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type apiPriceFeed struct {
	ID    string   `json:"id"`
	Price apiPrice `json:"price"`
}

// NormalizeFeedID lowercases id and strips any 0x prefix.
func NormalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}

// LatestPrices fetches the latest price of every feed in ids, keyed by
// normalized feed id.
func (h *HermesClient) LatestPrices(ctx context.Context, ids []string) (map[string]Quote, error) {
	if len(ids) == 0 {
		return map[string]Quote{}, nil
	}
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids[]", NormalizeFeedID(id))
	}

	body, err := h.doGet(ctx, "/api/latest_price_feeds?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("feed/hermes: latest prices: %w", err)
	}

	var feeds []apiPriceFeed
	if err := json.Unmarshal(body, &feeds); err != nil {
		return nil, fmt.Errorf("feed/hermes: decode price feeds: %w", err)
	}

	out := make(map[string]Quote, len(feeds))
	for _, f := range feeds {
		q, err := f.toQuote()
		if err != nil {
			return nil, fmt.Errorf("feed/hermes: feed %s: %w", f.ID, err)
		}
		out[q.FeedID] = q
	}
	return out, nil
}

func (f apiPriceFeed) toQuote() (Quote, error) {
	price, err := scaled(f.Price.Price, f.Price.Expo)
	if err != nil {
		return Quote{}, fmt.Errorf("price: %w", err)
	}
	if price.IsNegative() {
		return Quote{}, fmt.Errorf("negative price %s", price.String())
	}
	conf, err := scaled(f.Price.Conf, f.Price.Expo)
	if err != nil {
		return Quote{}, fmt.Errorf("conf: %w", err)
	}
	return Quote{
		FeedID:      NormalizeFeedID(f.ID),
		Price:       price,
		Conf:        conf,
		PublishTime: time.Unix(f.Price.PublishTime, 0).UTC(),
	}, nil
}

// scaled returns mantissa * 10^expo exactly.
func scaled(mantissa string, expo int32) (decimal.Decimal, error) {
	if mantissa == "" {
		return decimal.Zero, nil
	}
	bi, ok := new(big.Int).SetString(mantissa, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid integer %q", mantissa)
	}
	return decimal.NewFromBigInt(bi, expo), nil
}

func (h *HermesClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	return body, nil
}
