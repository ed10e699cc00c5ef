// Package priority assigns a send priority to incoming alarms.
package priority

import (
	"context"
	"log/slog"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

// Source names the cascade level a priority came from.
type Source string

// Cascade levels, most specific first.
const (
	SourceDeviceOverride Source = "deviceOverride"
	SourceDeviceProfile  Source = "deviceProfile"
	SourceCustomerGlobal Source = "customerGlobal"
	SourceSystemGlobal   Source = "systemGlobal"
)

// Resolution is the outcome of a lookup.
type Resolution struct {
	Priority domain.Priority `json:"priority"`
	Source   Source          `json:"source"`
}

// Resolver walks device override, device profile, tenant default and system
// default until one matches. It never fails: config errors and out of range
// values degrade to the system fallback.
type Resolver struct {
	configs  tenant.Provider
	fallback domain.Priority
	logger   *slog.Logger
}

// NewResolver creates a Resolver reading tenant configs through configs.
func NewResolver(configs tenant.Provider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		configs:  configs,
		fallback: domain.PriorityFallback,
		logger:   logger,
	}
}

// Resolve returns the priority for a device of a tenant.
func (r *Resolver) Resolve(ctx context.Context, tenantID, deviceID, deviceProfile string) Resolution {
	res := r.resolve(ctx, tenantID, deviceID, deviceProfile)
	if !res.Priority.Valid() {
		r.logger.Warn("resolved priority out of range, using fallback",
			"customer_id", tenantID,
			"device_id", deviceID,
			"priority", int(res.Priority),
			"source", res.Source,
		)
		res.Priority = r.fallback
	}
	resolutionsTotal.WithLabelValues(string(res.Source)).Inc()
	return res
}

func (r *Resolver) resolve(ctx context.Context, tenantID, deviceID, deviceProfile string) Resolution {
	system := Resolution{Priority: r.fallback, Source: SourceSystemGlobal}

	cfg, err := r.configs.Get(ctx, tenantID)
	if err != nil {
		r.logger.Warn("tenant config unavailable, using fallback priority",
			"customer_id", tenantID,
			"error", err,
		)
		return system
	}
	if cfg == nil || !cfg.Enabled {
		return system
	}

	rules := cfg.PriorityRules
	if p, ok := rules.DeviceOverrides[deviceID]; ok {
		return Resolution{Priority: p, Source: SourceDeviceOverride}
	}
	if p, ok := rules.DeviceProfiles[deviceProfile]; ok {
		return Resolution{Priority: p, Source: SourceDeviceProfile}
	}
	if rules.GlobalDefault != nil {
		return Resolution{Priority: *rules.GlobalDefault, Source: SourceCustomerGlobal}
	}
	return system
}
