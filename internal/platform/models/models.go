package models

// WebhookDelivery is the record of one inbound webhook call. Stored once
// per provider delivery id; only the processed marker is ever updated;
// pruned by the cleanup job after the retention window.
type WebhookDelivery struct {
	ID          string `json:"id"`
	DeliveryID  string `json:"delivery_id"` // provider delivery id, unique
	EventType   string `json:"event_type"`
	Action      string `json:"action"`
	Payload     []byte `json:"-"`
	SignatureOK bool   `json:"signature_ok"`
	Processed   bool   `json:"processed"`
	ReceivedAt  int64  `json:"received_at"`
	CreatedAt   int64  `json:"created_at"`
}

// CanonicalEvent is the normalized, provider-agnostic projection of a
// WebhookDelivery. processed=true means every routing decision has been
// made for it, not that delivery succeeded.
type CanonicalEvent struct {
	ID          string   `json:"id"`
	DeliveryID  string   `json:"delivery_id"`
	Category    string   `json:"category"` // pull_request, issue, discussion, ...
	Action      string   `json:"action"`
	Repository  string   `json:"repository"` // owner/name
	Org         string   `json:"org"`
	Actor       string   `json:"actor"`
	Mentions    []string `json:"mentions,omitempty"` // JSON array in DB
	Title       string   `json:"title,omitempty"`
	URL         string   `json:"url,omitempty"`
	EventAt     int64    `json:"event_at"`
	Processed   bool     `json:"processed"`
	ProcessedAt *int64   `json:"processed_at,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// Key returns the category_action pair used to index preference toggles.
func (e *CanonicalEvent) Key() string {
	return e.Category + "_" + e.Action
}

// User is the snapshot of an account this pipeline consumes: identity
// plus delivery credentials. Account lifecycle is owned elsewhere.
type User struct {
	ID          string `json:"id"`
	GithubLogin string `json:"github_login"`
	SlackUserID string `json:"slack_user_id"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// NotificationPreferences is the per-user routing snapshot read once per
// evaluation. Mutated only through the settings collaborator.
type NotificationPreferences struct {
	UserID            string          `json:"user_id"`
	Enabled           map[string]bool `json:"enabled"` // category_action -> on/off, JSON in DB
	RealTime          bool            `json:"real_time"`
	MentionsEnabled   bool            `json:"mentions_enabled"`
	NotifyOwnActivity bool            `json:"notify_own_activity"`
	MentionKeywords   []string        `json:"mention_keywords,omitempty"` // JSON in DB
	UpdatedAt         int64           `json:"updated_at"`
}

// EnabledFor reports whether the category_action toggle is on.
func (p *NotificationPreferences) EnabledFor(key string) bool {
	if p == nil || p.Enabled == nil {
		return false
	}
	return p.Enabled[key]
}

// Digest config scopes.
const (
	ScopeAll  = "all"
	ScopeOrg  = "org"
	ScopeRepo = "repo"
)

// Delivery target kinds.
const (
	TargetDM      = "dm"
	TargetChannel = "channel"
)

// DigestConfig is one scheduled digest for a user. A user may hold
// several, capped by entitlement.
type DigestConfig struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled"`
	Scope            string   `json:"scope"`                 // all, org, repo
	ScopeValue       string   `json:"scope_value,omitempty"` // org or repo name
	DigestTime       string   `json:"digest_time"`           // "HH:MM" local
	SecondDigestTime string   `json:"second_digest_time,omitempty"`
	SecondEnabled    bool     `json:"second_enabled"`
	Timezone         string   `json:"timezone"` // IANA name
	DigestDays       []string `json:"digest_days"` // JSON array, lowercase weekday names
	TargetType       string   `json:"target_type"` // dm or channel
	Target           string   `json:"target"`      // Slack user or channel id
	FlushRetryCount  int      `json:"flush_retry_count"`
	LastFlushKeys    []string `json:"last_flush_keys,omitempty"` // "<date>#<slot>" per flushed slot, JSON in DB
	CreatedAt        int64    `json:"created_at"`
	UpdatedAt        int64    `json:"updated_at"`
}

// MatchesScope reports whether an event for the given repository falls
// inside this config's scope. Repository is the owner/name full name.
func (c *DigestConfig) MatchesScope(repository, org string) bool {
	switch c.Scope {
	case ScopeOrg:
		return c.ScopeValue != "" && c.ScopeValue == org
	case ScopeRepo:
		return c.ScopeValue != "" && c.ScopeValue == repository
	default:
		return true
	}
}

// PendingDigestItem links a CanonicalEvent to a DigestConfig awaiting the
// next scheduled flush. Deleted only after confirmed delivery.
type PendingDigestItem struct {
	ID        string `json:"id"`
	ConfigID  string `json:"config_id"`
	EventID   string `json:"event_id"`
	UserID    string `json:"user_id"`
	BatchID   string `json:"batch_id,omitempty"` // set while claimed by a flush
	CreatedAt int64  `json:"created_at"`
}

// Delivery attempt outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeTransientError = "transient_error"
	OutcomePermanentError = "permanent_error"
	OutcomeFailed         = "failed" // retries exhausted
)

// DeliveryAttempt records one dispatch try against a channel.
type DeliveryAttempt struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id,omitempty"` // empty for digest batches
	ConfigID  string `json:"config_id,omitempty"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"` // slack_dm, slack_channel
	Target    string `json:"target"`
	Attempt   int    `json:"attempt"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}
