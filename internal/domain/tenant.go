package domain

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

// Backoff strategies.
const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// TenantConfig is the per-tenant priority queue configuration, stored as a JSON
// attribute of the tenant in the attribute store.
type TenantConfig struct {
	Enabled       bool                `json:"enabled"`
	PriorityRules PriorityRules       `json:"priorityRules"`
	RateControl   RateControlSettings `json:"rateControl"`
	Telegram      TelegramCredentials `json:"telegram"`
}

// PriorityRules maps devices and device profiles to priorities.
type PriorityRules struct {
	DeviceOverrides map[string]Priority `json:"deviceOverrides,omitempty"`
	DeviceProfiles  map[string]Priority `json:"deviceProfiles,omitempty"`
	GlobalDefault   *Priority           `json:"globalDefault,omitempty"`
}

// RateControl configures batching and retries for a tenant.
type RateControl struct {
	BatchSize                  int             `json:"batchSize"`
	DelayBetweenBatchesSeconds int             `json:"delayBetweenBatchesSeconds"`
	MaxRetries                 int             `json:"maxRetries"`
	RetryBackoff               BackoffStrategy `json:"retryBackoff"`
	BaseDelaySeconds           int             `json:"baseDelaySeconds"`
}

// WithDefaults fills unset fields from def.
func (rc RateControl) WithDefaults(def RateControl) RateControl {
	if rc.BatchSize <= 0 {
		rc.BatchSize = def.BatchSize
	}
	if rc.DelayBetweenBatchesSeconds <= 0 {
		rc.DelayBetweenBatchesSeconds = def.DelayBetweenBatchesSeconds
	}
	if rc.MaxRetries <= 0 {
		rc.MaxRetries = def.MaxRetries
	}
	if rc.RetryBackoff == "" {
		rc.RetryBackoff = def.RetryBackoff
	}
	if rc.BaseDelaySeconds <= 0 {
		rc.BaseDelaySeconds = def.BaseDelaySeconds
	}
	return rc
}

// RateControlSettings is the rate control stored with a tenant. Nil fields
// take the service defaults. Zero is a valid delay and a valid MaxRetries.
type RateControlSettings struct {
	BatchSize                  *int            `json:"batchSize,omitempty"`
	DelayBetweenBatchesSeconds *int            `json:"delayBetweenBatchesSeconds,omitempty"`
	MaxRetries                 *int            `json:"maxRetries,omitempty"`
	RetryBackoff               BackoffStrategy `json:"retryBackoff,omitempty"`
	BaseDelaySeconds           *int            `json:"baseDelaySeconds,omitempty"`
}

// Resolve overlays the set fields onto def. Batch size and base delay must be
// positive; the batch delay and max retries must not be negative. Values out
// of range are ignored.
func (s RateControlSettings) Resolve(def RateControl) RateControl {
	rc := def
	if s.BatchSize != nil && *s.BatchSize > 0 {
		rc.BatchSize = *s.BatchSize
	}
	if s.DelayBetweenBatchesSeconds != nil && *s.DelayBetweenBatchesSeconds >= 0 {
		rc.DelayBetweenBatchesSeconds = *s.DelayBetweenBatchesSeconds
	}
	if s.MaxRetries != nil && *s.MaxRetries >= 0 {
		rc.MaxRetries = *s.MaxRetries
	}
	if s.RetryBackoff != "" {
		rc.RetryBackoff = s.RetryBackoff
	}
	if s.BaseDelaySeconds != nil && *s.BaseDelaySeconds > 0 {
		rc.BaseDelaySeconds = *s.BaseDelaySeconds
	}
	return rc
}

// TelegramCredentials are the outbound chat-bot credentials of a tenant.
type TelegramCredentials struct {
	BotToken string `json:"botToken,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
}

// Complete reports whether both token and chat are set.
func (c TelegramCredentials) Complete() bool {
	return c.BotToken != "" && c.ChatID != ""
}
