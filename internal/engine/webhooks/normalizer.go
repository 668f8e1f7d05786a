package webhooks

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

// Categories produced by normalization.
const (
	CategoryPullRequest       = "pull_request"
	CategoryIssue             = "issue"
	CategoryIssueComment      = "issue_comment"
	CategoryReview            = "pull_request_review"
	CategoryReviewComment     = "pull_request_review_comment"
	CategoryDiscussion        = "discussion"
	CategoryDiscussionComment = "discussion_comment"
	CategoryPush              = "push"
	CategoryRelease           = "release"
)

// supportedActions maps a GitHub event type to its category plus the
// actions the pipeline models. Anything else normalizes to nil.
var supportedActions = map[string]struct {
	category string
	actions  map[string]bool
}{
	"pull_request": {CategoryPullRequest, map[string]bool{
		"opened": true, "closed": true, "reopened": true, "ready_for_review": true,
		"review_requested": true, "assigned": true,
	}},
	"issues": {CategoryIssue, map[string]bool{
		"opened": true, "closed": true, "reopened": true, "assigned": true,
	}},
	"issue_comment": {CategoryIssueComment, map[string]bool{
		"created": true,
	}},
	"pull_request_review": {CategoryReview, map[string]bool{
		"submitted": true,
	}},
	"pull_request_review_comment": {CategoryReviewComment, map[string]bool{
		"created": true,
	}},
	"discussion": {CategoryDiscussion, map[string]bool{
		"created": true, "answered": true,
	}},
	"discussion_comment": {CategoryDiscussionComment, map[string]bool{
		"created": true,
	}},
	"push":    {CategoryPush, nil},
	"release": {CategoryRelease, map[string]bool{"published": true}},
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9](?:[A-Za-z0-9-]{0,37}[A-Za-z0-9])?)`)

// payload is the subset of a GitHub webhook body normalization reads.
type payload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	PullRequest *itemBody `json:"pull_request"`
	Issue       *itemBody `json:"issue"`
	Comment     *itemBody `json:"comment"`
	Review      *itemBody `json:"review"`
	Discussion  *itemBody `json:"discussion"`
	Release     *struct {
		Name    string `json:"name"`
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
		Body    string `json:"body"`
	} `json:"release"`
	Ref     string `json:"ref"`
	Compare string `json:"compare"`
	Commits []struct {
		Message string `json:"message"`
	} `json:"commits"`
}

type itemBody struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	Merged    bool   `json:"merged"`
	UpdatedAt string `json:"updated_at"`
	CreatedAt string `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// Normalizer maps raw webhook deliveries to canonical events. Pure with
// respect to the delivery payload; no external calls.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize projects a stored delivery into a CanonicalEvent, or nil for
// event types and actions the pipeline does not model.
func (n *Normalizer) Normalize(delivery *models.WebhookDelivery) *models.CanonicalEvent {
	spec, ok := supportedActions[delivery.EventType]
	if !ok {
		return nil
	}

	var p payload
	if err := json.Unmarshal(delivery.Payload, &p); err != nil {
		return nil
	}
	if p.Repository.FullName == "" || p.Sender.Login == "" {
		return nil
	}

	action := p.Action
	if delivery.EventType == "push" {
		action = "pushed"
	}
	if spec.actions != nil && !spec.actions[action] {
		return nil
	}

	event := &models.CanonicalEvent{
		DeliveryID: delivery.DeliveryID,
		Category:   spec.category,
		Action:     action,
		Repository: p.Repository.FullName,
		Org:        p.Repository.Owner.Login,
		Actor:      p.Sender.Login,
		EventAt:    delivery.ReceivedAt,
	}

	// "closed" on a merged pull request is a merge, the distinction users
	// actually toggle on.
	if spec.category == CategoryPullRequest && action == "closed" && p.PullRequest != nil && p.PullRequest.Merged {
		event.Action = "merged"
	}

	var mentionText string
	switch {
	case p.Comment != nil:
		event.Title = firstNonEmpty(titleOf(p.PullRequest), titleOf(p.Issue), titleOf(p.Discussion))
		event.URL = p.Comment.HTMLURL
		event.EventAt = parseEventTime(p.Comment.CreatedAt, delivery.ReceivedAt)
		mentionText = p.Comment.Body
	case p.Review != nil:
		event.Title = titleOf(p.PullRequest)
		event.URL = p.Review.HTMLURL
		mentionText = p.Review.Body
	case p.PullRequest != nil:
		event.Title = p.PullRequest.Title
		event.URL = p.PullRequest.HTMLURL
		event.EventAt = parseEventTime(p.PullRequest.UpdatedAt, delivery.ReceivedAt)
		mentionText = p.PullRequest.Body
	case p.Issue != nil:
		event.Title = p.Issue.Title
		event.URL = p.Issue.HTMLURL
		event.EventAt = parseEventTime(p.Issue.UpdatedAt, delivery.ReceivedAt)
		mentionText = p.Issue.Body
	case p.Discussion != nil:
		event.Title = p.Discussion.Title
		event.URL = p.Discussion.HTMLURL
		mentionText = p.Discussion.Body
	case p.Release != nil:
		event.Title = firstNonEmpty(p.Release.Name, p.Release.TagName)
		event.URL = p.Release.HTMLURL
		mentionText = p.Release.Body
	case delivery.EventType == "push":
		event.Title = p.Ref
		event.URL = p.Compare
		for _, c := range p.Commits {
			mentionText += c.Message + "\n"
		}
	}

	event.Mentions = extractMentions(mentionText)
	return event
}

func extractMentions(text string) []string {
	if text == "" {
		return nil
	}
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var mentions []string
	for _, m := range matches {
		login := m[1]
		if !seen[login] {
			seen[login] = true
			mentions = append(mentions, login)
		}
	}
	return mentions
}

func parseEventTime(value string, fallback int64) int64 {
	if value == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return fallback
	}
	return t.Unix()
}

func titleOf(item *itemBody) string {
	if item == nil {
		return ""
	}
	return item.Title
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
