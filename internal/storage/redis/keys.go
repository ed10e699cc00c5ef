package redis

// All keys are prefixed with "alarmrelay:" to avoid collisions.
const keyPrefix = "alarmrelay:"

// entryKey returns the Hash key of a queue entry: alarmrelay:entry:{id}
func entryKey(id string) string { return keyPrefix + "entry:" + id }

// statusKey returns the Sorted Set of all entries in a status: alarmrelay:status:{status}
func statusKey(status string) string { return keyPrefix + "status:" + status }

// tenantStatusKey returns the Sorted Set of a tenant's entries in a status:
// alarmrelay:status:{status}:{tenant}
func tenantStatusKey(status, tenantID string) string {
	return keyPrefix + "status:" + status + ":" + tenantID
}

// createdKey is the Sorted Set of entry IDs scored by creation time in ms.
const createdKey = keyPrefix + "created"

// claimedKey is the Sorted Set of SENDING entry IDs scored by claim time in ms.
const claimedKey = keyPrefix + "claimed"

// tenantsKey is the Set of tenants that ever enqueued.
const tenantsKey = keyPrefix + "tenants"

// rateLimitKey returns the Hash holding a tenant's rate limit state.
func rateLimitKey(tenantID string) string { return keyPrefix + "ratelimit:" + tenantID }

// tenantConfigKey returns the String holding a tenant's JSON config.
func tenantConfigKey(tenantID string) string { return keyPrefix + "tenant_config:" + tenantID }
