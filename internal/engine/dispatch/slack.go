package dispatch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	pkgerrors "github.com/zlwaterfield/radar-sub003/internal/pkg/errors"
	"github.com/zlwaterfield/radar-sub003/internal/platform/config"
)

// slackAPI is the subset of the Slack client the channels use, split out
// so tests can substitute a fake.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
}

// permanentSlackErrors are API error strings that no amount of retrying
// fixes: the target is gone or our credentials are.
var permanentSlackErrors = map[string]bool{
	"channel_not_found": true,
	"user_not_found":    true,
	"not_in_channel":    true,
	"is_archived":       true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
	"msg_too_long":      true,
	"restricted_action": true,
}

func classifySlackError(err error) error {
	if err == nil {
		return nil
	}
	if permanentSlackErrors[strings.TrimSpace(err.Error())] {
		return pkgerrors.PermanentDelivery(err)
	}
	// Rate limits, 5xx and transport errors all land here.
	return pkgerrors.TransientDelivery(err)
}

// targetLimiters paces sends per delivery target so one busy target does
// not trip channel-side rate limits for everyone.
type targetLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newTargetLimiters(perSec float64, burst int) *targetLimiters {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &targetLimiters{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

func (t *targetLimiters) wait(ctx context.Context, target string) error {
	t.mu.Lock()
	limiter, ok := t.limiters[target]
	if !ok {
		limiter = rate.NewLimiter(t.perSec, t.burst)
		t.limiters[target] = limiter
	}
	t.mu.Unlock()
	return limiter.Wait(ctx)
}

// SlackDMChannel delivers to a user's direct-message conversation.
type SlackDMChannel struct {
	api      slackAPI
	limiters *targetLimiters
}

// SlackChannelChannel delivers to a named Slack channel.
type SlackChannelChannel struct {
	api      slackAPI
	limiters *targetLimiters
}

// NewSlackChannels builds both Slack transports over one authenticated
// client and one shared limiter pool. The HTTP client timeout bounds a
// hung Web API call so a retry attempt cannot stall a flush.
func NewSlackChannels(cfg config.SlackConfig) (*SlackDMChannel, *SlackChannelChannel) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	api := slack.New(cfg.BotToken,
		slack.OptionHTTPClient(&http.Client{Timeout: timeout}))
	limiters := newTargetLimiters(cfg.PerTargetPerSec, cfg.PerTargetBurst)
	return &SlackDMChannel{api: api, limiters: limiters},
		&SlackChannelChannel{api: api, limiters: limiters}
}

func (c *SlackDMChannel) Name() string { return ChannelSlackDM }

// Send opens (or reuses) the DM conversation for the Slack user id and
// posts the message into it.
func (c *SlackDMChannel) Send(ctx context.Context, target string, msg Message) error {
	if err := c.limiters.wait(ctx, target); err != nil {
		return pkgerrors.TransientDelivery(err)
	}

	conversation, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{target},
	})
	if err != nil {
		return classifySlackError(err)
	}

	_, _, err = c.api.PostMessageContext(ctx, conversation.ID,
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionDisableLinkUnfurl())
	return classifySlackError(err)
}

func (c *SlackChannelChannel) Name() string { return ChannelSlackChannel }

func (c *SlackChannelChannel) Send(ctx context.Context, target string, msg Message) error {
	if err := c.limiters.wait(ctx, target); err != nil {
		return pkgerrors.TransientDelivery(err)
	}

	_, _, err := c.api.PostMessageContext(ctx, target,
		slack.MsgOptionText(msg.Text, false),
		slack.MsgOptionDisableLinkUnfurl())
	return classifySlackError(err)
}
