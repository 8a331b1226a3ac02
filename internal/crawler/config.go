// Package crawler holds the shared crawling building blocks and helpers.
package crawler

import (
	"fmt"
	"time"
)

// CrawlerConfig captures the knobs CollyProbe needs to configure its
// underlying Colly collector. internal/config.CrawlerConfig is the
// viper-backed ambient config this is built from (see internal/server/fx.go);
// this struct stays narrow rather than mirroring every field of that one.
type CrawlerConfig struct {
	UserAgent          string
	Concurrency        int
	RateLimitPerDomain int
	RequestTimeout     time.Duration
}

// Validate checks for obviously bad configuration combinations.
func (c CrawlerConfig) Validate() error {
	if c.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.RateLimitPerDomain <= 0 {
		return fmt.Errorf("crawler.rate_limit_per_domain must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	return nil
}
