// Package simple contains a no-op rate-limiting policy.
package simple

import "context"

// Policy never delays a fetch. Used when the crawler.rate_limit config
// section is disabled.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait implements crawler.Policy by returning immediately.
func (Policy) Wait(context.Context, string) error {
	return nil
}
