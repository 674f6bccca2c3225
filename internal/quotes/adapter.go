package quotes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const (
	defaultChunkSize = 800
	refererURL       = "https://finance.sina.com.cn"
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// lineRegexp matches `var hq_str_<code>="<csv>";` response lines.
var lineRegexp = regexp.MustCompile(`var hq_str_(\w+)="([^"]*)";?`)

// Adapter fetches and parses batched quotes from the upstream text endpoint.
// It is idempotent and side-effect-free: FetchBatch never mutates shared
// state beyond the returned maps.
type Adapter struct {
	httpClient *http.Client
	host       string
	chunkSize  int
	logger     zerolog.Logger
}

// Config configures an Adapter.
type Config struct {
	Host          string
	FetchTimeout  time.Duration
	HTTPTransport http.RoundTripper
	// BatchSize caps the number of codes per upstream request (spec.md §6's
	// QUOTE_BATCH_SIZE, default/max 800). 0 uses the default.
	BatchSize int
}

// New builds an Adapter. A nil HTTPTransport uses http.DefaultTransport.
func New(cfg Config, logger zerolog.Logger) *Adapter {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	chunkSize := cfg.BatchSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: timeout, Transport: cfg.HTTPTransport},
		host:       cfg.Host,
		chunkSize:  chunkSize,
		logger:     logger.With().Str("component", "quote_adapter").Logger(),
	}
}

// FetchBatch fetches quotes for codes, chunking requests at the configured
// batch size and issuing chunks concurrently. Returns the parsed quotes keyed
// by TSCode plus the set of codes that could not be fetched or parsed, per
// spec.md §4.1.
func (a *Adapter) FetchBatch(ctx context.Context, codes []string) (map[string]Quote, map[string]struct{}) {
	quotes := make(map[string]Quote, len(codes))
	failed := make(map[string]struct{})
	if len(codes) == 0 {
		return quotes, failed
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for start := 0; start < len(codes); start += a.chunkSize {
		end := start + a.chunkSize
		if end > len(codes) {
			end = len(codes)
		}
		chunk := codes[start:end]

		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			chunkQuotes, chunkFailed := a.fetchChunk(ctx, chunk)

			mu.Lock()
			defer mu.Unlock()
			for code, q := range chunkQuotes {
				quotes[code] = q
			}
			for code := range chunkFailed {
				failed[code] = struct{}{}
			}
		}(chunk)
	}

	wg.Wait()
	return quotes, failed
}

// fetchChunk issues a single GET for up to the configured chunk size. Any failure
// (network, timeout, non-200) marks every code in the chunk as failed.
func (a *Adapter) fetchChunk(ctx context.Context, chunk []string) (map[string]Quote, map[string]struct{}) {
	quotes := make(map[string]Quote, len(chunk))
	failed := make(map[string]struct{})

	symbols := make([]string, 0, len(chunk))
	symbolToCode := make(map[string]string, len(chunk))
	for _, code := range chunk {
		sym, err := sinaSymbol(code)
		if err != nil {
			failed[code] = struct{}{}
			continue
		}
		symbols = append(symbols, sym)
		symbolToCode[sym] = code
	}
	if len(symbols) == 0 {
		return quotes, failed
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.httpClient.Timeout)
	defer cancel()

	url := fmt.Sprintf("https://%s/list=%s", a.host, strings.Join(symbols, ","))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to build upstream request")
		failAll(failed, chunk)
		return quotes, failed
	}
	req.Header.Set("Referer", refererURL)
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Int("codes", len(chunk)).Msg("upstream request failed")
		failAll(failed, chunk)
		return quotes, failed
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn().Int("status", resp.StatusCode).Msg("upstream returned non-200")
		failAll(failed, chunk)
		return quotes, failed
	}

	body, err := decodeBody(resp)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to decode upstream response")
		failAll(failed, chunk)
		return quotes, failed
	}

	seen := parseLines(body, symbolToCode, quotes)
	for _, code := range chunk {
		if !seen[code] {
			failed[code] = struct{}{}
		}
	}
	return quotes, failed
}

func failAll(failed map[string]struct{}, codes []string) {
	for _, c := range codes {
		failed[c] = struct{}{}
	}
}

// decodeBody decodes the response per its declared charset, falling back to
// GBK when the header is absent, per spec.md §6.
func decodeBody(resp *http.Response) (string, error) {
	ct := resp.Header.Get("Content-Type")
	var reader io.Reader = resp.Body
	if !strings.Contains(strings.ToLower(ct), "utf-8") {
		reader = transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder())
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseLines parses one `var hq_str_<symbol>="<csv>";` line per stock.
// Order of codes in the response matches the request; lines with fewer than
// 32 fields, or a non-positive/NaN current price, are skipped (the code
// stays failed), per spec.md §4.1.
func parseLines(body string, symbolToCode map[string]string, out map[string]Quote) map[string]bool {
	seen := make(map[string]bool, len(symbolToCode))
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		m := lineRegexp.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		symbol, csv := m[1], m[2]
		code, ok := symbolToCode[symbol]
		if !ok {
			continue
		}

		fields := strings.Split(csv, ",")
		if len(fields) < 32 {
			continue
		}

		q, ok := parseFields(code, fields)
		if !ok {
			continue
		}
		out[code] = q
		seen[code] = true
	}
	return seen
}

// parseFields maps the 0-indexed field layout from spec.md §6 onto a Quote.
func parseFields(code string, f []string) (Quote, bool) {
	current, err := strconv.ParseFloat(f[3], 64)
	if err != nil || math.IsNaN(current) || current <= 0 {
		return Quote{}, false
	}

	open, _ := strconv.ParseFloat(f[1], 64)
	preClose, _ := strconv.ParseFloat(f[2], 64)
	high, _ := strconv.ParseFloat(f[4], 64)
	low, _ := strconv.ParseFloat(f[5], 64)
	volume, _ := strconv.ParseFloat(f[8], 64)
	amount, _ := strconv.ParseFloat(f[9], 64)

	ts := parseUpstreamTimestamp(f[30], f[31])

	q := Quote{
		TSCode:       code,
		Name:         f[0],
		CurrentPrice: current,
		Open:         open,
		High:         high,
		Low:          low,
		PreClose:     preClose,
		Volume:       volume,
		Amount:       amount,
		TimestampMS:  ts,
	}
	q.computeDerived()
	return q, true
}

// parseUpstreamTimestamp parses the "YYYY-MM-DD"/"HH:MM:SS" pair into unix
// ms. On parse failure it falls back to the adapter's receive time.
func parseUpstreamTimestamp(date, clock string) int64 {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, shanghaiLocation())
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

var loadedLocation *time.Location

func shanghaiLocation() *time.Location {
	if loadedLocation != nil {
		return loadedLocation
	}
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loadedLocation = time.FixedZone("CST", 8*3600)
		return loadedLocation
	}
	loadedLocation = loc
	return loadedLocation
}
