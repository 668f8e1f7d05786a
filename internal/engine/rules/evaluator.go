package rules

import (
	"strings"

	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

// Decision kinds. An event routes to exactly one of real-time or digest
// for a given (user, config); fan-out across configs is allowed.
const (
	KindSuppress = "suppress"
	KindRealTime = "real_time"
	KindDigest   = "digest"
)

type Decision struct {
	Kind     string
	ConfigID string // set for KindDigest
}

func Suppress() []Decision         { return []Decision{{Kind: KindSuppress}} }
func RealTime() []Decision         { return []Decision{{Kind: KindRealTime}} }
func Digest(configID string) Decision { return Decision{Kind: KindDigest, ConfigID: configID} }

type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Route decides how an event reaches one user. Precedence:
//
//  1. self-authored events are suppressed unless the user opted in
//  2. a mention qualifies the event even when the category toggle is
//     off; the only mention suppressor is the global mentions switch
//  3. real-time wins over digest when both are enabled
//  4. digest fans out to every enabled config whose scope matches
func (e *Evaluator) Route(event *models.CanonicalEvent, user *models.User, prefs *models.NotificationPreferences, configs []*models.DigestConfig) []Decision {
	if prefs == nil {
		return Suppress()
	}

	if event.Actor == user.GithubLogin && !prefs.NotifyOwnActivity {
		return Suppress()
	}

	mentioned := e.mentioned(event, user, prefs)
	if !prefs.EnabledFor(event.Key()) && !mentioned {
		return Suppress()
	}

	if prefs.RealTime {
		return RealTime()
	}

	var decisions []Decision
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if cfg.MatchesScope(event.Repository, event.Org) {
			decisions = append(decisions, Digest(cfg.ID))
		}
	}
	if len(decisions) == 0 {
		return Suppress()
	}
	return decisions
}

// mentioned reports whether the event addresses the user directly: an
// @login mention or one of the user's configured keywords in the title.
func (e *Evaluator) mentioned(event *models.CanonicalEvent, user *models.User, prefs *models.NotificationPreferences) bool {
	if !prefs.MentionsEnabled {
		return false
	}
	for _, login := range event.Mentions {
		if strings.EqualFold(login, user.GithubLogin) {
			return true
		}
	}
	title := strings.ToLower(event.Title)
	for _, keyword := range prefs.MentionKeywords {
		if keyword != "" && strings.Contains(title, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
