package rules

import (
	"testing"

	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

func baseEvent() *models.CanonicalEvent {
	return &models.CanonicalEvent{
		ID:         "evt_1",
		Category:   "pull_request",
		Action:     "opened",
		Repository: "acme/widgets",
		Org:        "acme",
		Actor:      "bob",
	}
}

func baseUser() *models.User {
	return &models.User{ID: "usr_1", GithubLogin: "alice", SlackUserID: "U123"}
}

func prefsWith(mutate func(*models.NotificationPreferences)) *models.NotificationPreferences {
	p := &models.NotificationPreferences{
		UserID:          "usr_1",
		Enabled:         map[string]bool{"pull_request_opened": true},
		RealTime:        false,
		MentionsEnabled: true,
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func digestConfig(id, scope, scopeValue string) *models.DigestConfig {
	return &models.DigestConfig{
		ID:         id,
		UserID:     "usr_1",
		Enabled:    true,
		Scope:      scope,
		ScopeValue: scopeValue,
	}
}

func TestEvaluator_Route(t *testing.T) {
	e := NewEvaluator()

	tests := []struct {
		name    string
		event   *models.CanonicalEvent
		prefs   *models.NotificationPreferences
		configs []*models.DigestConfig
		want    []Decision
	}{
		{
			name:  "disabled category suppressed",
			event: baseEvent(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.Enabled = map[string]bool{}
			}),
			want: Suppress(),
		},
		{
			name:  "real time enabled",
			event: baseEvent(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.RealTime = true
			}),
			want: RealTime(),
		},
		{
			name:  "real time wins over digest",
			event: baseEvent(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.RealTime = true
			}),
			configs: []*models.DigestConfig{digestConfig("dig_1", models.ScopeAll, "")},
			want:    RealTime(),
		},
		{
			name:    "digest fan out across matching scopes",
			event:   baseEvent(),
			prefs:   prefsWith(nil),
			configs: []*models.DigestConfig{
				digestConfig("dig_1", models.ScopeAll, ""),
				digestConfig("dig_2", models.ScopeOrg, "acme"),
				digestConfig("dig_3", models.ScopeRepo, "other/repo"),
			},
			want: []Decision{Digest("dig_1"), Digest("dig_2")},
		},
		{
			name:    "enabled but no matching config suppressed",
			event:   baseEvent(),
			prefs:   prefsWith(nil),
			configs: []*models.DigestConfig{digestConfig("dig_1", models.ScopeRepo, "other/repo")},
			want:    Suppress(),
		},
		{
			name: "mention overrides disabled category",
			event: func() *models.CanonicalEvent {
				ev := baseEvent()
				ev.Mentions = []string{"alice"}
				return ev
			}(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.Enabled = map[string]bool{}
				p.RealTime = true
			}),
			want: RealTime(),
		},
		{
			name: "global mentions switch suppresses mention",
			event: func() *models.CanonicalEvent {
				ev := baseEvent()
				ev.Mentions = []string{"alice"}
				return ev
			}(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.Enabled = map[string]bool{}
				p.MentionsEnabled = false
				p.RealTime = true
			}),
			want: Suppress(),
		},
		{
			name: "keyword mention qualifies",
			event: func() *models.CanonicalEvent {
				ev := baseEvent()
				ev.Title = "Fix billing pipeline"
				return ev
			}(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.Enabled = map[string]bool{}
				p.MentionKeywords = []string{"billing"}
				p.RealTime = true
			}),
			want: RealTime(),
		},
		{
			name: "self authored suppressed",
			event: func() *models.CanonicalEvent {
				ev := baseEvent()
				ev.Actor = "alice"
				return ev
			}(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.RealTime = true
			}),
			want: Suppress(),
		},
		{
			name: "self authored allowed when opted in",
			event: func() *models.CanonicalEvent {
				ev := baseEvent()
				ev.Actor = "alice"
				return ev
			}(),
			prefs: prefsWith(func(p *models.NotificationPreferences) {
				p.NotifyOwnActivity = true
				p.RealTime = true
			}),
			want: RealTime(),
		},
		{
			name:  "nil preferences suppressed",
			event: baseEvent(),
			prefs: nil,
			want:  Suppress(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Route(tt.event, baseUser(), tt.prefs, tt.configs)

			if len(got) != len(tt.want) {
				t.Fatalf("got %d decisions %v, want %d %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("decision %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// A routing result never mixes real-time and digest for the same user.
func TestEvaluator_Exclusivity(t *testing.T) {
	e := NewEvaluator()
	event := baseEvent()
	configs := []*models.DigestConfig{digestConfig("dig_1", models.ScopeAll, "")}

	for _, realTime := range []bool{true, false} {
		prefs := prefsWith(func(p *models.NotificationPreferences) {
			p.RealTime = realTime
		})
		decisions := e.Route(event, baseUser(), prefs, configs)

		hasRealTime, hasDigest := false, false
		for _, d := range decisions {
			switch d.Kind {
			case KindRealTime:
				hasRealTime = true
			case KindDigest:
				hasDigest = true
			}
		}
		if hasRealTime && hasDigest {
			t.Fatalf("real_time=%v produced both real-time and digest decisions", realTime)
		}
	}
}
