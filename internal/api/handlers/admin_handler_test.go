package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zlwaterfield/radar-sub003/internal/engine/digest"
	"github.com/zlwaterfield/radar-sub003/internal/engine/stats"
	"github.com/zlwaterfield/radar-sub003/internal/platform/database"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
)

func TestAdminHandler_StatsDigestStates(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	deliveries := repositories.NewDeliveryRepository(db)
	events := repositories.NewEventRepository(db)
	digests := repositories.NewDigestRepository(db)
	aggregator := stats.NewAggregator(repositories.NewStatsRepository(db))
	scheduler := digest.NewScheduler(digest.SchedulerParams{
		Digests:    digests,
		Events:     events,
		Aggregator: aggregator,
	})

	users := repositories.NewUserRepository(db)
	if err := users.Create(&models.User{ID: "u1", GithubLogin: "alice", SlackUserID: "U1"}); err != nil {
		t.Fatalf("user create failed: %v", err)
	}

	accumulating := &models.DigestConfig{
		UserID: "u1", Name: "Daily", Enabled: true, Scope: models.ScopeAll,
		DigestTime: "09:00", Timezone: "UTC", DigestDays: []string{"monday"},
		TargetType: models.TargetDM, Target: "U1",
	}
	idle := &models.DigestConfig{
		UserID: "u1", Name: "Weekly", Enabled: true, Scope: models.ScopeAll,
		DigestTime: "09:00", Timezone: "UTC", DigestDays: []string{"friday"},
		TargetType: models.TargetDM, Target: "U1",
	}
	for _, cfg := range []*models.DigestConfig{accumulating, idle} {
		if err := digests.CreateConfig(cfg); err != nil {
			t.Fatalf("config create failed: %v", err)
		}
	}

	if _, _, err := deliveries.Ingest(&models.WebhookDelivery{DeliveryID: "d-1", EventType: "pull_request", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	event := &models.CanonicalEvent{
		DeliveryID: "d-1", Category: "pull_request", Action: "opened",
		Repository: "acme/widgets", Actor: "bob", EventAt: 100,
	}
	if err := events.Create(event); err != nil {
		t.Fatalf("event create failed: %v", err)
	}
	if err := digests.CreatePendingItem(&models.PendingDigestItem{
		ConfigID: accumulating.ID, EventID: event.ID, UserID: "u1",
	}); err != nil {
		t.Fatalf("pending item failed: %v", err)
	}

	handler := NewAdminHandler(nil, aggregator, deliveries, events,
		repositories.NewAttemptRepository(db), digests, scheduler, 0)

	rr := httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest("GET", "/webhooks/stats", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp struct {
		Totals  map[string]map[string]int `json:"totals"`
		Digests []struct {
			ConfigID string `json:"configId"`
			Name     string `json:"name"`
			State    string `json:"state"`
			Pending  int    `json:"pending"`
		} `json:"digests"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(resp.Digests) != 2 {
		t.Fatalf("expected 2 digest statuses, got %d", len(resp.Digests))
	}

	byName := map[string]string{}
	pending := map[string]int{}
	for _, d := range resp.Digests {
		byName[d.Name] = d.State
		pending[d.Name] = d.Pending
	}
	if byName["Daily"] != "accumulating" || pending["Daily"] != 1 {
		t.Errorf("Daily: state=%q pending=%d, want accumulating/1", byName["Daily"], pending["Daily"])
	}
	if byName["Weekly"] != "idle" || pending["Weekly"] != 0 {
		t.Errorf("Weekly: state=%q pending=%d, want idle/0", byName["Weekly"], pending["Weekly"])
	}
}
