package domain

import (
	"errors"
	"fmt"
)

type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
)

// Unlimited is the sentinel for quotas without a ceiling.
const Unlimited = -1

var ErrUnknownPlan = errors.New("unknown plan")

// PlanLimits is the quota policy attached to a subscription tier.
type PlanLimits struct {
	Plan               Plan     `json:"plan"`
	RequestsPerDay     int      `json:"requests_per_day"`
	RequestsPerMinute  int      `json:"requests_per_minute"`
	ConcurrentRequests int      `json:"concurrent_requests"`
	MaxAPIKeys         int      `json:"max_api_keys"`
	Features           []string `json:"features"`
}

var planLimits = map[Plan]PlanLimits{
	PlanStarter: {
		Plan:               PlanStarter,
		RequestsPerDay:     100,
		RequestsPerMinute:  10,
		ConcurrentRequests: 2,
		MaxAPIKeys:         1,
		Features:           []string{"Basic API Access", "Email Support"},
	},
	PlanPro: {
		Plan:               PlanPro,
		RequestsPerDay:     1000,
		RequestsPerMinute:  50,
		ConcurrentRequests: 10,
		MaxAPIKeys:         5,
		Features:           []string{"Advanced API Access", "Webhooks", "Priority Support"},
	},
	PlanBusiness: {
		Plan:               PlanBusiness,
		RequestsPerDay:     10000,
		RequestsPerMinute:  200,
		ConcurrentRequests: 50,
		MaxAPIKeys:         20,
		Features:           []string{"Custom API Endpoints", "SLA", "Dedicated Support", "White Label"},
	},
	PlanEnterprise: {
		Plan:               PlanEnterprise,
		RequestsPerDay:     Unlimited,
		RequestsPerMinute:  1000,
		ConcurrentRequests: 500,
		MaxAPIKeys:         Unlimited,
		Features:           []string{"Everything", "Custom Integrations", "Dedicated Account Manager"},
	},
}

var planOrder = []Plan{PlanStarter, PlanPro, PlanBusiness, PlanEnterprise}

// LimitsFor returns the limits of plan. Unknown plans are a configuration error.
func LimitsFor(plan Plan) (PlanLimits, error) {
	limits, ok := planLimits[plan]
	if !ok {
		return PlanLimits{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	limits.Features = append([]string(nil), limits.Features...)
	return limits, nil
}

// Plans lists every tier from cheapest to most generous.
func Plans() []PlanLimits {
	out := make([]PlanLimits, 0, len(planOrder))
	for _, p := range planOrder {
		limits, _ := LimitsFor(p)
		out = append(out, limits)
	}
	return out
}

func (p Plan) Valid() bool {
	_, ok := planLimits[p]
	return ok
}

// RateLimitConfig converts the plan into the limiter's input.
func (l PlanLimits) RateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerDay:     l.RequestsPerDay,
		RequestsPerMinute:  l.RequestsPerMinute,
		ConcurrentRequests: l.ConcurrentRequests,
	}
}
