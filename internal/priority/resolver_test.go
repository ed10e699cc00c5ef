package priority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

type mockProvider struct {
	cfg *domain.TenantConfig
	err error
}

func (m *mockProvider) Get(_ context.Context, _ string) (*domain.TenantConfig, error) {
	return m.cfg, m.err
}

type countingSource struct {
	cfg   *domain.TenantConfig
	calls int
}

func (s *countingSource) GetTenantConfig(_ context.Context, _ string) (*domain.TenantConfig, error) {
	s.calls++
	return s.cfg, nil
}

func prio(p domain.Priority) *domain.Priority { return &p }

func TestResolver_Cascade(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *domain.TenantConfig
		err        error
		deviceID   string
		profile    string
		wantPrio   domain.Priority
		wantSource Source
	}{
		{
			name: "device override wins over conflicting profile rule",
			cfg: &domain.TenantConfig{
				Enabled: true,
				PriorityRules: domain.PriorityRules{
					DeviceOverrides: map[string]domain.Priority{"dev-1": domain.PriorityCritical},
					DeviceProfiles:  map[string]domain.Priority{"3F_MEDIDOR": domain.PriorityLow},
					GlobalDefault:   prio(domain.PriorityHigh),
				},
			},
			deviceID:   "dev-1",
			profile:    "3F_MEDIDOR",
			wantPrio:   domain.PriorityCritical,
			wantSource: SourceDeviceOverride,
		},
		{
			name: "device profile",
			cfg: &domain.TenantConfig{
				Enabled: true,
				PriorityRules: domain.PriorityRules{
					DeviceOverrides: map[string]domain.Priority{"dev-other": domain.PriorityCritical},
					DeviceProfiles:  map[string]domain.Priority{"3F_MEDIDOR": domain.PriorityLow},
					GlobalDefault:   prio(domain.PriorityHigh),
				},
			},
			deviceID:   "dev-1",
			profile:    "3F_MEDIDOR",
			wantPrio:   domain.PriorityLow,
			wantSource: SourceDeviceProfile,
		},
		{
			name: "customer global default",
			cfg: &domain.TenantConfig{
				Enabled:       true,
				PriorityRules: domain.PriorityRules{GlobalDefault: prio(domain.PriorityHigh)},
			},
			deviceID:   "dev-1",
			profile:    "3F_MEDIDOR",
			wantPrio:   domain.PriorityHigh,
			wantSource: SourceCustomerGlobal,
		},
		{
			name:       "no rules",
			cfg:        &domain.TenantConfig{Enabled: true},
			deviceID:   "dev-1",
			profile:    "3F_MEDIDOR",
			wantPrio:   domain.PriorityMedium,
			wantSource: SourceSystemGlobal,
		},
		{
			name:       "no config",
			cfg:        nil,
			deviceID:   "dev-1",
			profile:    "3F_MEDIDOR",
			wantPrio:   domain.PriorityMedium,
			wantSource: SourceSystemGlobal,
		},
		{
			name: "disabled tenant ignores rules",
			cfg: &domain.TenantConfig{
				Enabled: false,
				PriorityRules: domain.PriorityRules{
					DeviceOverrides: map[string]domain.Priority{"dev-1": domain.PriorityCritical},
				},
			},
			deviceID:   "dev-1",
			wantPrio:   domain.PriorityMedium,
			wantSource: SourceSystemGlobal,
		},
		{
			name:       "config error degrades",
			err:        errors.New("timeout"),
			deviceID:   "dev-1",
			wantPrio:   domain.PriorityMedium,
			wantSource: SourceSystemGlobal,
		},
		{
			name: "out of range value is corrected",
			cfg: &domain.TenantConfig{
				Enabled: true,
				PriorityRules: domain.PriorityRules{
					DeviceOverrides: map[string]domain.Priority{"dev-1": 9},
				},
			},
			deviceID:   "dev-1",
			wantPrio:   domain.PriorityMedium,
			wantSource: SourceDeviceOverride,
		},
		{
			name: "zero global default is corrected",
			cfg: &domain.TenantConfig{
				Enabled:       true,
				PriorityRules: domain.PriorityRules{GlobalDefault: prio(0)},
			},
			deviceID:   "dev-1",
			wantPrio:   domain.PriorityMedium,
			wantSource: SourceCustomerGlobal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&mockProvider{cfg: tt.cfg, err: tt.err}, nil)

			got := r.Resolve(context.Background(), "customer-1", tt.deviceID, tt.profile)

			assert.Equal(t, tt.wantPrio, got.Priority)
			assert.Equal(t, tt.wantSource, got.Source)
		})
	}
}

func TestResolver_UnknownTenantIsCached(t *testing.T) {
	src := &countingSource{}
	cache := tenant.NewCache(src, time.Minute)
	r := NewResolver(cache, nil)

	first := r.Resolve(context.Background(), "no-config-tenant", "dev-9", "3F_MEDIDOR")
	require.Equal(t, Resolution{Priority: domain.PriorityMedium, Source: SourceSystemGlobal}, first)
	assert.Equal(t, 1, src.calls)

	second := r.Resolve(context.Background(), "no-config-tenant", "dev-9", "3F_MEDIDOR")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, int64(1), cache.Stats().Hits)
}
