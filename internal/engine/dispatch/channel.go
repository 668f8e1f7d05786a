package dispatch

import "context"

// Channel names recorded on delivery attempts.
const (
	ChannelSlackDM      = "slack_dm"
	ChannelSlackChannel = "slack_channel"
)

// Message is a rendered notification ready for a transport.
type Message struct {
	Text string
}

// Channel is one delivery transport. Implementations classify their own
// failures: transient errors (network, 429, 5xx) are wrapped with
// errors.ErrTransientDelivery and retried, permanent errors (invalid
// target, revoked auth) with errors.ErrPermanentDelivery and are not.
type Channel interface {
	Name() string
	Send(ctx context.Context, target string, msg Message) error
}
