package core

import (
	"fmt"
	"time"
)

// ArtifactMode describes how a provider hands back finished artifacts.
type ArtifactMode string

const (
	// ArtifactInlineURL means the poll response carries a fetchable URL.
	ArtifactInlineURL ArtifactMode = "INLINE_URL"
	// ArtifactPullByID means the artifact requires an authenticated
	// download keyed by the provider job ID.
	ArtifactPullByID ArtifactMode = "PULL_BY_ID"
)

// RateLimitSpec is the static rate envelope for one provider.
type RateLimitSpec struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	MaxConcurrent     int     `json:"max_concurrent" yaml:"max_concurrent"`
}

// ModelSpec is a concrete generator within a provider.
type ModelSpec struct {
	ID         string `json:"id" yaml:"id"`
	CreditCost int    `json:"credit_cost" yaml:"credit_cost"`
	Tiers      []Tier `json:"tiers" yaml:"tiers"`
}

// SupportsTier reports whether the model serves the given tier.
func (m ModelSpec) SupportsTier(t Tier) bool {
	for _, mt := range m.Tiers {
		if mt == t {
			return true
		}
	}
	return false
}

// ProviderDescriptor is the static capability record for one provider.
// Dynamic health lives in the router; the descriptor never changes after
// startup.
type ProviderDescriptor struct {
	ID             string        `json:"id" yaml:"id"`
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	Adapter        string        `json:"adapter" yaml:"adapter"`
	CredentialsRef string        `json:"credentials_ref" yaml:"credentials_ref"`
	Models         []ModelSpec   `json:"models" yaml:"models"`
	SupportsTiers  []Tier        `json:"supports_tiers" yaml:"supports_tiers"`
	RateLimit      RateLimitSpec `json:"rate_limit" yaml:"rate_limit"`
	DailyCreditCap int           `json:"daily_credit_cap" yaml:"daily_credit_cap"`
	ArtifactMode   ArtifactMode  `json:"artifact_retrieval_mode" yaml:"artifact_retrieval_mode"`
	TypicalLatency time.Duration `json:"typical_latency" yaml:"typical_latency"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	MaxJobLifetime time.Duration `json:"max_job_lifetime" yaml:"max_job_lifetime"`

	// KnownOutageSignatures are substrings of response bodies that are
	// immediate evidence of provider unavailability (e.g. 522/523 HTML).
	KnownOutageSignatures []string `json:"known_outage_signatures,omitempty" yaml:"known_outage_signatures"`
}

// Validate checks the descriptor is usable.
func (d *ProviderDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: provider id is empty", ErrInvalidConfiguration)
	}
	if len(d.Models) == 0 {
		return fmt.Errorf("%w: provider %s has no models", ErrInvalidConfiguration, d.ID)
	}
	if d.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: provider %s rate must be positive", ErrInvalidConfiguration, d.ID)
	}
	for _, t := range d.SupportsTiers {
		if !t.Valid() {
			return fmt.Errorf("%w: provider %s supports unknown tier %q", ErrInvalidConfiguration, d.ID, t)
		}
	}
	return nil
}

// SupportsTier reports whether any model of the provider serves t.
func (d *ProviderDescriptor) SupportsTier(t Tier) bool {
	for _, st := range d.SupportsTiers {
		if st == t {
			return true
		}
	}
	return false
}

// CheapestModelFor returns the lowest-cost model serving the tier.
func (d *ProviderDescriptor) CheapestModelFor(t Tier) (ModelSpec, bool) {
	var best ModelSpec
	found := false
	for _, m := range d.Models {
		if !m.SupportsTier(t) {
			continue
		}
		if !found || m.CreditCost < best.CreditCost {
			best = m
			found = true
		}
	}
	return best, found
}
