package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pricewatch/pricewatch/internal/circuitbreaker"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/retry"
	"github.com/pricewatch/pricewatch/internal/traces"
)

// ClientConfig configures the catalogue client.
type ClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	ChunkSize   int
	Concurrency int
	Retry       retry.Policy
}

// Client calls the card detail endpoint.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *circuitbreaker.Breaker
	host    string
}

// NewClient creates a catalogue client.
func NewClient(cfg ClientConfig, breaker *circuitbreaker.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	host := cfg.BaseURL
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: traces.Transport(nil)},
		breaker: breaker,
		host:    host,
	}
}

// FetchResult holds the products found and the SKUs that could not be
// fetched. SKUs the catalogue does not know appear in neither map.
type FetchResult struct {
	Products map[string]Product
	Failed   map[string]error
}

// Fetch retrieves skus in chunks, concurrently. A chunk that exhausts its
// retries marks its SKUs failed and the remaining chunks continue. The
// returned error is non-nil only when ctx ends.
func (c *Client) Fetch(ctx context.Context, skus []string) (*FetchResult, error) {
	res := &FetchResult{
		Products: make(map[string]Product, len(skus)),
		Failed:   make(map[string]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(skus); start += c.cfg.ChunkSize {
		chunk := skus[start:min(start+c.cfg.ChunkSize, len(skus))]
		g.Go(func() error {
			products, err := c.fetchChunk(gctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.L(ctx).Warn("scrape chunk failed", zap.Int("skus", len(chunk)), zap.Error(err))
				for _, sku := range chunk {
					res.Failed[sku] = err
				}
				return nil
			}
			for _, p := range products {
				res.Products[p.SKU] = p
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Client) fetchChunk(ctx context.Context, chunk []string) ([]Product, error) {
	var out []Product
	err := c.breaker.Execute(c.host, func() error {
		return c.cfg.Retry.Do(ctx, func() error {
			products, err := c.get(ctx, chunk)
			if err != nil {
				return err
			}
			out = products
			return nil
		})
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, fmt.Errorf("%w: %v", ErrScrapeRetryExhausted, err)
	}
	return out, err
}

func (c *Client) get(ctx context.Context, chunk []string) ([]Product, error) {
	q := url.Values{}
	q.Set("appType", "1")
	q.Set("curr", "rub")
	q.Set("dest", "-1257786")
	q.Set("nm", strings.Join(chunk, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("catalogue returned HTTP %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return nil, retry.After(err, time.Duration(secs)*time.Second)
		}
		return nil, err
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("catalogue returned HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("catalogue returned HTTP %d", resp.StatusCode))
	}

	var payload cardResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode catalogue response: %w", err))
	}
	out := make([]Product, 0, len(payload.Data.Products))
	for _, card := range payload.Data.Products {
		out = append(out, card.product())
	}
	return out, nil
}

type cardResponse struct {
	Data struct {
		Products []card `json:"products"`
	} `json:"data"`
}

type card struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Brand         string `json:"brand"`
	PriceU        int64  `json:"priceU"`
	SalePriceU    int64  `json:"salePriceU"`
	TotalQuantity int    `json:"totalQuantity"`
	Sizes         []struct {
		Price *struct {
			Basic   int64 `json:"basic"`
			Product int64 `json:"product"`
		} `json:"price"`
		Stocks []json.RawMessage `json:"stocks"`
	} `json:"sizes"`
}

// product maps a card to rubles. Newer responses carry prices per size,
// older ones at the top level.
func (c card) product() Product {
	seller, price := c.PriceU, c.SalePriceU
	inStock := c.TotalQuantity > 0
	for _, s := range c.Sizes {
		if s.Price != nil && seller == 0 && price == 0 {
			seller, price = s.Price.Basic, s.Price.Product
		}
		if len(s.Stocks) > 0 {
			inStock = true
		}
	}
	p := Product{
		SKU:         strconv.FormatInt(c.ID, 10),
		Name:        c.Name,
		Brand:       c.Brand,
		Price:       KopecksToRubles(price),
		SellerPrice: KopecksToRubles(seller),
		InStock:     inStock,
	}
	p.SPP = SPP(p.SellerPrice, p.Price)
	return p
}
