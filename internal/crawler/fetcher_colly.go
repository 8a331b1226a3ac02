package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// ProbeResult carries the metadata a cheap pre-render fetch can obtain
// without paying for a full browser navigation.
type ProbeResult struct {
	FinalURL    string
	StatusCode  int
	ContentType string
	Headers     http.Header
}

// CollyProbe performs a lightweight HTTP fetch ahead of a browser render,
// so obviously non-content responses can be skipped before opening a page.
type CollyProbe struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewCollyProbe constructs a configured Colly-based probe fetcher.
func NewCollyProbe(cfg CrawlerConfig, logger *zap.Logger) (*CollyProbe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []colly.CollectorOption{
		colly.Async(true),
		colly.UserAgent(cfg.UserAgent),
	}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       maxInt(1, cfg.Concurrency) * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	delay := time.Second / time.Duration(maxInt(1, cfg.RateLimitPerDomain))
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Concurrency,
		Delay:       delay,
	}); err != nil {
		return nil, err
	}

	return &CollyProbe{
		baseCollector: base,
		logger:        logger,
	}, nil
}

// Probe issues a GET request and returns the final URL, status and
// content type without retaining the response body.
func (f *CollyProbe) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan probeOutcome, 1)
	var once sync.Once
	send := func(res probeOutcome) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		send(probeOutcome{result: ProbeResult{
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: headers.Get("Content-Type"),
			Headers:     headers,
		}})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		TotalRequestErrors.Inc()
		switch status {
		case http.StatusTooManyRequests:
			TotalRateLimitHits.Inc()
		case http.StatusForbidden:
			TotalForbiddenHits.Inc()
		}
		send(probeOutcome{result: ProbeResult{StatusCode: status}, err: err})
	})

	TotalRequests.Inc()
	if err := collector.Visit(rawURL); err != nil {
		TotalRequestErrors.Inc()
		return ProbeResult{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return ProbeResult{}, err
		}
		return res.result, res.err
	default:
		return ProbeResult{}, errors.New("colly probe produced no result")
	}
}

type probeOutcome struct {
	result ProbeResult
	err    error
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
