// Package credential defines the persisted and runtime representations of
// an authenticated identity against one provider, and the pure state-machine
// math (cooldown, exponential backoff) applied to it after each attempt.
package credential

import (
	"strconv"
	"strings"
	"time"
)

// Status values for both StoredCredential and ModelState/RuntimeCredential.
const (
	StatusReady    = "ready"
	StatusError    = "error"
	StatusPending  = "pending"
	StatusDisabled = "disabled"
	StatusActive   = "active"
)

// Block reasons surfaced by the eligibility filter.
const (
	ReasonDisabled = "disabled"
	ReasonCooldown = "cooldown"
	ReasonOther    = "other"
)

// StoredCredential is the durable, on-disk identity for one account with
// one provider. It is the unit of persistence; RuntimeCredential wraps it
// with the live state that never gets written back (except token fields,
// after a refresh).
type StoredCredential struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Disabled bool   `json:"disabled"`

	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`

	// TokenData carries provider-specific fields: api_key, base_url,
	// priority (parsed via Priority()), and arbitrary opaque values.
	TokenData map[string]any `json:"tokenData,omitempty"`

	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NormalizedProvider returns the provider tag lower-cased and trimmed, the
// form used everywhere providers are compared or grouped.
func (s *StoredCredential) NormalizedProvider() string {
	return strings.ToLower(strings.TrimSpace(s.Provider))
}

// Priority reads tokenData.priority, defaulting to 0. A string value is
// tolerated and parsed; anything unparsable also defaults to 0.
func (s *StoredCredential) Priority() int {
	if s.TokenData == nil {
		return 0
	}
	raw, ok := s.TokenData["priority"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// BaseURL reads tokenData.base_url, returning "" when absent.
func (s *StoredCredential) BaseURL() string {
	if s.TokenData == nil {
		return ""
	}
	if v, ok := s.TokenData["base_url"].(string); ok {
		return v
	}
	return ""
}

// APIKey reads tokenData.api_key, returning "" when absent.
func (s *StoredCredential) APIKey() string {
	if s.TokenData == nil {
		return ""
	}
	if v, ok := s.TokenData["api_key"].(string); ok {
		return v
	}
	return ""
}

// QuotaState tracks rate-limit state for a credential, either credential-wide
// or scoped to a single model via ModelState.
type QuotaState struct {
	Exceeded      bool       `json:"exceeded"`
	Reason        string     `json:"reason,omitempty"`
	NextRecoverAt *time.Time `json:"nextRecoverAt,omitempty"`
	BackoffLevel  int        `json:"backoffLevel"`
}

// ModelState is a credential's state for one model string. Entries are
// created lazily on first failure for that model; they are never deleted
// while the pool lives.
type ModelState struct {
	Status         string     `json:"status"`
	StatusMessage  string     `json:"statusMessage,omitempty"`
	Unavailable    bool       `json:"unavailable"`
	NextRetryAfter *time.Time `json:"nextRetryAfter,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	Quota          QuotaState `json:"quota"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// RuntimeCredential composes a StoredCredential with its live pool state.
// It is never persisted as a whole; only Auth's token fields round-trip
// back to the credential store, and only after a refresh.
type RuntimeCredential struct {
	Auth StoredCredential

	RuntimeStatus  string
	StatusMessage  string
	Unavailable    bool
	NextRetryAfter *time.Time
	LastError      string
	Quota          QuotaState

	ModelStates map[string]*ModelState

	LoadedAt         time.Time
	RuntimeUpdatedAt time.Time
	LastRefreshedAt  time.Time
}

// NewRuntimeCredential wraps a freshly registered StoredCredential in a
// RuntimeCredential with zeroed live state.
func NewRuntimeCredential(auth StoredCredential, now time.Time) *RuntimeCredential {
	status := StatusActive
	if auth.Disabled {
		status = StatusDisabled
	}
	return &RuntimeCredential{
		Auth:             auth,
		RuntimeStatus:    status,
		ModelStates:      make(map[string]*ModelState),
		LoadedAt:         now,
		RuntimeUpdatedAt: now,
	}
}

// IsDisabled reports whether the credential is disabled at the stored or
// runtime level.
func (r *RuntimeCredential) IsDisabled() bool {
	return r.Auth.Disabled || r.RuntimeStatus == StatusDisabled
}

// modelState returns the ModelState for model, creating it lazily with a
// zero value the caller is expected to then mutate.
func (r *RuntimeCredential) modelState(model string) *ModelState {
	if r.ModelStates == nil {
		r.ModelStates = make(map[string]*ModelState)
	}
	ms, ok := r.ModelStates[model]
	if !ok {
		ms = &ModelState{Status: StatusActive}
		r.ModelStates[model] = ms
	}
	return ms
}

// ExecutionResult is the outcome record published after each attempt, the
// sole input to MarkResult.
type ExecutionResult struct {
	AuthID     string
	Provider   string
	Model      string
	Success    bool
	RetryAfter time.Duration // upstream hint, when present
	StatusCode int           // HTTP-like status of the failed attempt; ignored on success
	ErrMessage string
}

// quotaBackoffCap is the sticky ceiling for exponential quota backoff (30m).
const quotaBackoffCap = 30 * time.Minute

// QuotaBackoff returns the cooldown duration for the given backoffLevel:
// min(1s * 2^level, 30m).
func QuotaBackoff(level int) time.Duration {
	if level < 0 {
		level = 0
	}
	// Cap the shift so we never overflow before the min() clamps it.
	if level > 40 {
		return quotaBackoffCap
	}
	d := time.Second * time.Duration(1<<uint(level))
	if d > quotaBackoffCap || d <= 0 {
		return quotaBackoffCap
	}
	return d
}

// MarkResult applies spec §4.5's state transition table to r for model m at
// time now, given the outcome of one attempt.
func (r *RuntimeCredential) MarkResult(result ExecutionResult, now time.Time) {
	if result.Success {
		r.markSuccess(result.Model, now)
		return
	}
	r.markFailure(result, now)
}

func (r *RuntimeCredential) markSuccess(model string, now time.Time) {
	if model != "" {
		if ms, ok := r.ModelStates[model]; ok {
			ms.Unavailable = false
			ms.Status = StatusActive
			ms.StatusMessage = ""
			ms.LastError = ""
			ms.NextRetryAfter = nil
			ms.Quota = QuotaState{}
			ms.UpdatedAt = now
		}
	}
	r.Unavailable = false
	r.RuntimeStatus = StatusActive
	r.StatusMessage = ""
	r.LastError = ""
	r.NextRetryAfter = nil
	r.Quota = QuotaState{}
	r.RuntimeUpdatedAt = now
}

func (r *RuntimeCredential) markFailure(result ExecutionResult, now time.Time) {
	ms := r.modelState(result.Model)
	ms.Unavailable = true
	ms.Status = StatusError
	ms.LastError = result.ErrMessage
	ms.StatusMessage = result.ErrMessage
	ms.UpdatedAt = now

	switch result.StatusCode {
	case 429:
		r.Quota.Exceeded = true
		r.Quota.Reason = "quota"
		if result.RetryAfter > 0 {
			at := now.Add(result.RetryAfter)
			r.Quota.NextRecoverAt = &at
		} else {
			backoff := QuotaBackoff(r.Quota.BackoffLevel)
			if backoff < quotaBackoffCap {
				r.Quota.BackoffLevel++
			}
			at := now.Add(backoff)
			r.Quota.NextRecoverAt = &at
		}
		ms.NextRetryAfter = r.Quota.NextRecoverAt
	case 401, 402, 403:
		at := now.Add(30 * time.Minute)
		ms.NextRetryAfter = &at
	case 404:
		at := now.Add(12 * time.Hour)
		ms.NextRetryAfter = &at
	case 408, 500, 502, 503, 504:
		at := now.Add(60 * time.Second)
		ms.NextRetryAfter = &at
	default:
		ms.NextRetryAfter = nil
	}

	r.RuntimeStatus = StatusError
	r.LastError = result.ErrMessage
	r.StatusMessage = result.ErrMessage
	r.RuntimeUpdatedAt = now
}

// Eligibility is the outcome of the shared eligibility filter (spec §4.3).
type Eligibility struct {
	Eligible bool
	Reason   string // ReasonDisabled, ReasonCooldown, ReasonOther when blocked
	RetryAt  time.Time
}

// CheckEligibility evaluates r for model at time now per spec §4.3.
func (r *RuntimeCredential) CheckEligibility(model string, now time.Time) Eligibility {
	if r.IsDisabled() {
		return Eligibility{Eligible: false, Reason: ReasonDisabled}
	}

	if ms, ok := r.ModelStates[model]; ok && ms.Status == StatusDisabled {
		return Eligibility{Eligible: false, Reason: ReasonDisabled}
	}

	if ms, ok := r.ModelStates[model]; ok && ms.Unavailable {
		if ms.NextRetryAfter == nil {
			return Eligibility{Eligible: true}
		}
		retryAt := *ms.NextRetryAfter
		if r.Quota.NextRecoverAt != nil && r.Quota.NextRecoverAt.After(retryAt) {
			retryAt = *r.Quota.NextRecoverAt
		}
		if retryAt.After(now) {
			reason := ReasonOther
			if r.Quota.Exceeded {
				reason = ReasonCooldown
			}
			return Eligibility{Eligible: false, Reason: reason, RetryAt: retryAt}
		}
		return Eligibility{Eligible: true}
	}

	if _, ok := r.ModelStates[model]; !ok && r.Unavailable {
		if r.NextRetryAfter != nil && r.NextRetryAfter.After(now) {
			reason := ReasonOther
			if r.Quota.Exceeded {
				reason = ReasonCooldown
			}
			return Eligibility{Eligible: false, Reason: reason, RetryAt: *r.NextRetryAfter}
		}
	}

	return Eligibility{Eligible: true}
}
