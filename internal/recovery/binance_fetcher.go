package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flowtrace/internal/events"
)

// BinanceFetcher is the reference TradeFetcher: it replays a missing id
// range from the Binance futures REST trade endpoint. Other venues plug in
// their own TradeFetcher implementations.
type BinanceFetcher struct {
	BaseURL string // default https://fapi.binance.com
	Client  *http.Client
}

// NewBinanceFetcher creates the fetcher with sane timeouts.
func NewBinanceFetcher(baseURL string) *BinanceFetcher {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &BinanceFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type binanceHistTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// FetchTrades pages through /fapi/v1/historicalTrades from fromID until the
// range is covered.
func (f *BinanceFetcher) FetchTrades(ctx context.Context, exchange, symbol string, fromID, toID int64) ([]*events.TradeData, error) {
	if exchange != "binance" {
		return nil, fmt.Errorf("fetcher only serves binance, got %s", exchange)
	}

	var out []*events.TradeData
	next := fromID
	for next <= toID {
		url := fmt.Sprintf("%s/fapi/v1/historicalTrades?symbol=%s&fromId=%d&limit=1000",
			f.BaseURL, strings.ToUpper(symbol), next)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("historical trades: %w", err)
		}
		var page []binanceHistTrade
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode historical trades: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("historical trades: status %d", resp.StatusCode)
		}
		if len(page) == 0 {
			break
		}

		for _, tr := range page {
			if tr.ID < fromID || tr.ID > toID {
				continue
			}
			out = append(out, &events.TradeData{
				Exchange:     "binance",
				Symbol:       strings.ToUpper(symbol),
				Price:        parseF(tr.Price),
				Quantity:     parseF(tr.Qty),
				Timestamp:    tr.Time,
				TradeID:      tr.ID,
				IsBuyerMaker: tr.IsBuyerMaker,
			})
		}
		last := page[len(page)-1].ID
		if last < next {
			break
		}
		next = last + 1
	}
	return out, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
