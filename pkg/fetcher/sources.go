package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Exchange adapters. Base URLs are vars so tests can point them at a
// local server.
var (
	binanceBaseURL  = "https://api.binance.com"
	coinbaseBaseURL = "https://api.coinbase.com"
	krakenBaseURL   = "https://api.kraken.com"
	okxBaseURL      = "https://www.okx.com"
	bybitBaseURL    = "https://api.bybit.com"
)

type sourceFunc func(ctx context.Context, client *http.Client, symbol string) (float64, error)

var sourceAdapters = map[string]sourceFunc{
	"binance":  fetchBinance,
	"coinbase": fetchCoinbase,
	"kraken":   fetchKraken,
	"okx":      fetchOKX,
	"bybit":    fetchBybit,
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parsePrice(s string) (float64, error) {
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return p, nil
}

func fetchBinance(ctx context.Context, client *http.Client, symbol string) (float64, error) {
	pair := strings.ReplaceAll(symbol, "/", "")
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", binanceBaseURL, pair)

	var data struct {
		Price string `json:"price"`
		Code  *int   `json:"code"`
		Msg   string `json:"msg"`
	}
	if err := getJSON(ctx, client, url, &data); err != nil {
		return 0, err
	}
	// Error envelope (geo-blocking etc.) comes back with 200 and a code
	if data.Code != nil {
		return 0, fmt.Errorf("binance error %d: %s", *data.Code, data.Msg)
	}
	if data.Price == "" {
		return 0, fmt.Errorf("missing price field")
	}
	return parsePrice(data.Price)
}

func fetchCoinbase(ctx context.Context, client *http.Client, symbol string) (float64, error) {
	pair := strings.ReplaceAll(symbol, "/", "-")
	url := fmt.Sprintf("%s/v2/prices/%s/spot", coinbaseBaseURL, pair)

	var data struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := getJSON(ctx, client, url, &data); err != nil {
		return 0, err
	}
	if data.Data.Amount == "" {
		return 0, fmt.Errorf("missing data.amount field")
	}
	return parsePrice(data.Data.Amount)
}

func fetchKraken(ctx context.Context, client *http.Client, symbol string) (float64, error) {
	pair := strings.ReplaceAll(symbol, "/", "")
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", krakenBaseURL, pair)

	var data struct {
		Result map[string]struct {
			C []string `json:"c"`
		} `json:"result"`
	}
	if err := getJSON(ctx, client, url, &data); err != nil {
		return 0, err
	}
	for _, r := range data.Result {
		if len(r.C) > 0 {
			return parsePrice(r.C[0])
		}
	}
	return 0, fmt.Errorf("no ticker in kraken response")
}

func fetchOKX(ctx context.Context, client *http.Client, symbol string) (float64, error) {
	pair := strings.ReplaceAll(symbol, "/", "-")
	url := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", okxBaseURL, pair)

	var data struct {
		Code string `json:"code"`
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := getJSON(ctx, client, url, &data); err != nil {
		return 0, err
	}
	if data.Code != "0" {
		return 0, fmt.Errorf("okx error: code %s", data.Code)
	}
	if len(data.Data) == 0 {
		return 0, fmt.Errorf("no ticker in okx response")
	}
	return parsePrice(data.Data[0].Last)
}

func fetchBybit(ctx context.Context, client *http.Client, symbol string) (float64, error) {
	pair := strings.ReplaceAll(symbol, "/", "")
	url := fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", bybitBaseURL, pair)

	var data struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := getJSON(ctx, client, url, &data); err != nil {
		return 0, err
	}
	if data.RetCode != 0 {
		return 0, fmt.Errorf("bybit error: code %d", data.RetCode)
	}
	if len(data.Result.List) == 0 {
		return 0, fmt.Errorf("no ticker in bybit response")
	}
	return parsePrice(data.Result.List[0].LastPrice)
}
