package repositories

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zlwaterfield/radar-sub003/internal/platform/database"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	return db
}

func TestDeliveryRepository_IngestIdempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryRepository(db)

	first := &models.WebhookDelivery{
		DeliveryID:  "gh-delivery-1",
		EventType:   "pull_request",
		Action:      "opened",
		Payload:     []byte(`{"action":"opened"}`),
		SignatureOK: true,
	}

	inserted, stored, err := repo.Ingest(first)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if !inserted {
		t.Fatal("expected first ingest to insert")
	}

	// Redelivery with a different payload: first stored payload wins.
	duplicate := &models.WebhookDelivery{
		DeliveryID: "gh-delivery-1",
		EventType:  "pull_request",
		Action:     "opened",
		Payload:    []byte(`{"action":"opened","mutated":true}`),
	}
	inserted, existing, err := repo.Ingest(duplicate)
	if err != nil {
		t.Fatalf("duplicate ingest failed: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate ingest to be rejected")
	}
	if existing.ID != stored.ID {
		t.Errorf("expected existing record %s, got %s", stored.ID, existing.ID)
	}
	if string(existing.Payload) != `{"action":"opened"}` {
		t.Errorf("stored payload was overwritten: %s", existing.Payload)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM webhook_deliveries WHERE delivery_id = ?`, "gh-delivery-1").Scan(&count)
	if count != 1 {
		t.Errorf("expected exactly one stored row, got %d", count)
	}
}

func TestDeliveryRepository_Retention(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDeliveryRepository(db)

	now := time.Now().Unix()
	old := &models.WebhookDelivery{DeliveryID: "old", EventType: "issues", Payload: []byte(`{}`), ReceivedAt: now - 45*24*3600}
	recent := &models.WebhookDelivery{DeliveryID: "recent", EventType: "issues", Payload: []byte(`{}`), ReceivedAt: now - 10*24*3600}

	for _, d := range []*models.WebhookDelivery{old, recent} {
		if _, _, err := repo.Ingest(d); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}

	cutoff := now - 30*24*3600
	deleted, err := repo.DeleteOlderThan(cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	if _, err := repo.GetByDeliveryID("recent"); err != nil {
		t.Errorf("recent delivery should be retained: %v", err)
	}
	if _, err := repo.GetByDeliveryID("old"); err == nil {
		t.Error("old delivery should be removed")
	}
}

func TestDeliveryRepository_RetentionKeepsReferenced(t *testing.T) {
	db := setupTestDB(t)
	deliveries := NewDeliveryRepository(db)
	events := NewEventRepository(db)

	now := time.Now().Unix()
	d := &models.WebhookDelivery{DeliveryID: "ref", EventType: "issues", Payload: []byte(`{}`), ReceivedAt: now - 45*24*3600}
	if _, _, err := deliveries.Ingest(d); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := events.Create(&models.CanonicalEvent{
		DeliveryID: "ref", Category: "issue", Action: "opened",
		Repository: "a/b", Actor: "x", EventAt: now,
	}); err != nil {
		t.Fatalf("event create failed: %v", err)
	}

	deleted, err := deliveries.DeleteOlderThan(now)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("referenced delivery was deleted")
	}
}

func TestEventRepository_UnprocessedAndMark(t *testing.T) {
	db := setupTestDB(t)
	deliveries := NewDeliveryRepository(db)
	events := NewEventRepository(db)

	if _, _, err := deliveries.Ingest(&models.WebhookDelivery{DeliveryID: "d1", EventType: "issues", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	event := &models.CanonicalEvent{
		DeliveryID: "d1", Category: "issue", Action: "opened",
		Repository: "acme/widgets", Org: "acme", Actor: "alice",
		Mentions: []string{"bob"}, EventAt: time.Now().Unix(),
	}
	if err := events.Create(event); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	unprocessed, err := events.GetUnprocessed(10)
	if err != nil {
		t.Fatalf("GetUnprocessed failed: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("expected 1 unprocessed, got %d", len(unprocessed))
	}
	if unprocessed[0].Mentions[0] != "bob" {
		t.Errorf("mentions lost in round trip: %v", unprocessed[0].Mentions)
	}

	if err := events.MarkProcessed(event.ID); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	unprocessed, _ = events.GetUnprocessed(10)
	if len(unprocessed) != 0 {
		t.Errorf("expected 0 unprocessed after mark, got %d", len(unprocessed))
	}

	fetched, err := events.GetByID(event.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !fetched.Processed || fetched.ProcessedAt == nil {
		t.Error("processed flag not persisted")
	}
}

func seedConfig(t *testing.T, db *sql.DB, userID string) *models.DigestConfig {
	t.Helper()
	users := NewUserRepository(db)
	if err := users.Create(&models.User{ID: userID, GithubLogin: userID, SlackUserID: "U-" + userID}); err != nil {
		t.Fatalf("user create failed: %v", err)
	}

	digests := NewDigestRepository(db)
	cfg := &models.DigestConfig{
		UserID:     userID,
		Name:       "Daily",
		Enabled:    true,
		Scope:      models.ScopeAll,
		DigestTime: "09:00",
		Timezone:   "UTC",
		DigestDays: []string{"monday"},
		TargetType: models.TargetDM,
		Target:     "U-" + userID,
	}
	if err := digests.CreateConfig(cfg); err != nil {
		t.Fatalf("config create failed: %v", err)
	}
	return cfg
}

func seedEvent(t *testing.T, db *sql.DB, deliveryID string) *models.CanonicalEvent {
	t.Helper()
	deliveries := NewDeliveryRepository(db)
	if _, _, err := deliveries.Ingest(&models.WebhookDelivery{DeliveryID: deliveryID, EventType: "issues", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	events := NewEventRepository(db)
	event := &models.CanonicalEvent{
		DeliveryID: deliveryID, Category: "issue", Action: "opened",
		Repository: "acme/widgets", Actor: "alice", EventAt: time.Now().Unix(),
	}
	if err := events.Create(event); err != nil {
		t.Fatalf("event create failed: %v", err)
	}
	return event
}

func TestDigestRepository_ClaimBatch(t *testing.T) {
	db := setupTestDB(t)
	digests := NewDigestRepository(db)
	cfg := seedConfig(t, db, "u1")

	for i := 0; i < 3; i++ {
		event := seedEvent(t, db, "cd-"+string(rune('a'+i)))
		if err := digests.CreatePendingItem(&models.PendingDigestItem{
			ConfigID: cfg.ID, EventID: event.ID, UserID: "u1",
		}); err != nil {
			t.Fatalf("pending item create failed: %v", err)
		}
	}

	batchID, items, err := digests.ClaimBatch(cfg.ID)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 claimed items, got %d", len(items))
	}

	// An item arriving after the claim stays out of the batch.
	late := seedEvent(t, db, "cd-late")
	if err := digests.CreatePendingItem(&models.PendingDigestItem{
		ConfigID: cfg.ID, EventID: late.ID, UserID: "u1",
	}); err != nil {
		t.Fatalf("late item create failed: %v", err)
	}

	deleted, err := digests.DeleteBatch(batchID)
	if err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}

	remaining, err := digests.CountPending(cfg.ID)
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("expected the late item to remain, got %d", remaining)
	}
}

func TestDigestRepository_ReleaseBatch(t *testing.T) {
	db := setupTestDB(t)
	digests := NewDigestRepository(db)
	cfg := seedConfig(t, db, "u1")

	event := seedEvent(t, db, "rb-1")
	if err := digests.CreatePendingItem(&models.PendingDigestItem{
		ConfigID: cfg.ID, EventID: event.ID, UserID: "u1",
	}); err != nil {
		t.Fatalf("pending item create failed: %v", err)
	}

	batchID, items, err := digests.ClaimBatch(cfg.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("ClaimBatch failed: %v (%d items)", err, len(items))
	}

	if err := digests.ReleaseBatch(batchID); err != nil {
		t.Fatalf("ReleaseBatch failed: %v", err)
	}

	// Released items are claimable again.
	_, items, err = digests.ClaimBatch(cfg.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("reclaim after release failed: %v (%d items)", err, len(items))
	}
}

func TestStatsRepository_Counters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewStatsRepository(db)

	day := time.Now().UTC().Format("2006-01-02")
	for i := 0; i < 3; i++ {
		if err := repo.Increment(day, "pull_request", "received"); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	if err := repo.Increment(day, "pull_request", "delivered"); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	totals, err := repo.Totals()
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if totals["pull_request"]["received"] != 3 {
		t.Errorf("received = %d, want 3", totals["pull_request"]["received"])
	}
	if totals["pull_request"]["delivered"] != 1 {
		t.Errorf("delivered = %d, want 1", totals["pull_request"]["delivered"])
	}

	daily, err := repo.Daily(7)
	if err != nil {
		t.Fatalf("Daily failed: %v", err)
	}
	if len(daily) != 2 {
		t.Errorf("expected 2 daily rows, got %d", len(daily))
	}
}

func TestPreferencesRepository_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	users := NewUserRepository(db)
	prefs := NewPreferencesRepository(db)

	if err := users.Create(&models.User{ID: "u1", GithubLogin: "alice", SlackUserID: "U1"}); err != nil {
		t.Fatalf("user create failed: %v", err)
	}

	in := &models.NotificationPreferences{
		UserID:          "u1",
		Enabled:         map[string]bool{"pull_request_opened": true},
		RealTime:        true,
		MentionsEnabled: true,
		MentionKeywords: []string{"billing"},
	}
	if err := prefs.Upsert(in); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	out, err := prefs.GetByUserID("u1")
	if err != nil {
		t.Fatalf("GetByUserID failed: %v", err)
	}
	if !out.RealTime || !out.EnabledFor("pull_request_opened") {
		t.Errorf("preferences lost in round trip: %+v", out)
	}
	if len(out.MentionKeywords) != 1 || out.MentionKeywords[0] != "billing" {
		t.Errorf("keywords lost: %v", out.MentionKeywords)
	}

	// Upsert replaces.
	in.RealTime = false
	if err := prefs.Upsert(in); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	out, _ = prefs.GetByUserID("u1")
	if out.RealTime {
		t.Error("upsert did not replace real_time")
	}
}
