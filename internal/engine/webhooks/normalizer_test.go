package webhooks

import (
	"reflect"
	"testing"

	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

func delivery(eventType string, payload string) *models.WebhookDelivery {
	return &models.WebhookDelivery{
		DeliveryID: "d-1",
		EventType:  eventType,
		Payload:    []byte(payload),
		ReceivedAt: 1700000000,
	}
}

func TestNormalizer_PullRequestOpened(t *testing.T) {
	payload := `{
		"action": "opened",
		"repository": {"full_name": "acme/widgets", "owner": {"login": "acme"}},
		"sender": {"login": "alice"},
		"pull_request": {
			"title": "Add retries",
			"body": "cc @bob and @carol please take a look",
			"html_url": "https://github.com/acme/widgets/pull/42",
			"updated_at": "2023-11-14T22:13:20Z"
		}
	}`

	event := NewNormalizer().Normalize(delivery("pull_request", payload))
	if event == nil {
		t.Fatal("expected event, got nil")
	}

	if event.Category != CategoryPullRequest || event.Action != "opened" {
		t.Errorf("got %s/%s, want pull_request/opened", event.Category, event.Action)
	}
	if event.Repository != "acme/widgets" || event.Org != "acme" {
		t.Errorf("unexpected repo %q org %q", event.Repository, event.Org)
	}
	if event.Actor != "alice" {
		t.Errorf("unexpected actor %q", event.Actor)
	}
	if event.Title != "Add retries" {
		t.Errorf("unexpected title %q", event.Title)
	}
	if !reflect.DeepEqual(event.Mentions, []string{"bob", "carol"}) {
		t.Errorf("unexpected mentions %v", event.Mentions)
	}
	if event.EventAt != 1700000000 {
		t.Errorf("unexpected event time %d", event.EventAt)
	}
}

func TestNormalizer_MergedPullRequest(t *testing.T) {
	payload := `{
		"action": "closed",
		"repository": {"full_name": "acme/widgets", "owner": {"login": "acme"}},
		"sender": {"login": "alice"},
		"pull_request": {"title": "Add retries", "merged": true}
	}`

	event := NewNormalizer().Normalize(delivery("pull_request", payload))
	if event == nil {
		t.Fatal("expected event, got nil")
	}
	if event.Action != "merged" {
		t.Errorf("got action %q, want merged", event.Action)
	}
}

func TestNormalizer_IssueComment(t *testing.T) {
	payload := `{
		"action": "created",
		"repository": {"full_name": "acme/widgets", "owner": {"login": "acme"}},
		"sender": {"login": "bob"},
		"issue": {"title": "Crash on boot"},
		"comment": {"body": "ping @alice", "html_url": "https://github.com/acme/widgets/issues/7#c1", "created_at": "2023-11-14T22:13:20Z"}
	}`

	event := NewNormalizer().Normalize(delivery("issue_comment", payload))
	if event == nil {
		t.Fatal("expected event, got nil")
	}
	if event.Category != CategoryIssueComment {
		t.Errorf("got category %q", event.Category)
	}
	if event.Title != "Crash on boot" {
		t.Errorf("got title %q", event.Title)
	}
	if !reflect.DeepEqual(event.Mentions, []string{"alice"}) {
		t.Errorf("unexpected mentions %v", event.Mentions)
	}
}

func TestNormalizer_Unsupported(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
	}{
		{
			"unknown event type",
			"workflow_run",
			`{"action":"completed","repository":{"full_name":"a/b","owner":{"login":"a"}},"sender":{"login":"x"}}`,
		},
		{
			"unknown action",
			"pull_request",
			`{"action":"labeled","repository":{"full_name":"a/b","owner":{"login":"a"}},"sender":{"login":"x"}}`,
		},
		{
			"malformed payload",
			"pull_request",
			`{not json`,
		},
		{
			"missing repository",
			"pull_request",
			`{"action":"opened","sender":{"login":"x"}}`,
		},
	}

	n := NewNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if event := n.Normalize(delivery(tt.eventType, tt.payload)); event != nil {
				t.Errorf("expected nil, got %+v", event)
			}
		})
	}
}

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"none", "no mentions here", nil},
		{"single", "hi @alice", []string{"alice"}},
		{"dedup", "@alice and @alice again", []string{"alice"}},
		{"hyphenated", "cc @my-team-bot", []string{"my-team-bot"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractMentions(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extractMentions(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
