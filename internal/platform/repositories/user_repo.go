package repositories

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zlwaterfield/radar-sub003/internal/platform/models"
)

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *models.User) error {
	if user.ID == "" {
		user.ID = "usr_" + uuid.New().String()
	}
	now := time.Now().Unix()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `INSERT INTO users (id, github_login, slack_user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.Exec(query, user.ID, user.GithubLogin, user.SlackUserID, user.CreatedAt, user.UpdatedAt)
	return err
}

func (r *UserRepository) GetByID(id string) (*models.User, error) {
	row := r.db.QueryRow(`SELECT id, github_login, slack_user_id, created_at, updated_at FROM users WHERE id = ?`, id)

	var u models.User
	if err := row.Scan(&u.ID, &u.GithubLogin, &u.SlackUserID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) List() ([]*models.User, error) {
	rows, err := r.db.Query(`SELECT id, github_login, slack_user_id, created_at, updated_at FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.GithubLogin, &u.SlackUserID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

type PreferencesRepository struct {
	db *sql.DB
}

func NewPreferencesRepository(db *sql.DB) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

func (r *PreferencesRepository) Upsert(prefs *models.NotificationPreferences) error {
	prefs.UpdatedAt = time.Now().Unix()

	enabledJSON, err := json.Marshal(prefs.Enabled)
	if err != nil {
		return err
	}
	keywordsJSON, err := json.Marshal(prefs.MentionKeywords)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notification_preferences (user_id, enabled, real_time, mentions_enabled, notify_own_activity, mention_keywords, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			real_time = excluded.real_time,
			mentions_enabled = excluded.mentions_enabled,
			notify_own_activity = excluded.notify_own_activity,
			mention_keywords = excluded.mention_keywords,
			updated_at = excluded.updated_at
	`
	_, err = r.db.Exec(query, prefs.UserID, string(enabledJSON), boolToInt(prefs.RealTime),
		boolToInt(prefs.MentionsEnabled), boolToInt(prefs.NotifyOwnActivity), string(keywordsJSON), prefs.UpdatedAt)
	return err
}

func (r *PreferencesRepository) GetByUserID(userID string) (*models.NotificationPreferences, error) {
	query := `
		SELECT user_id, enabled, real_time, mentions_enabled, notify_own_activity, mention_keywords, updated_at
		FROM notification_preferences WHERE user_id = ?
	`
	row := r.db.QueryRow(query, userID)

	var p models.NotificationPreferences
	var enabledStr string
	var keywords sql.NullString
	var realTime, mentionsEnabled, notifyOwn int

	err := row.Scan(&p.UserID, &enabledStr, &realTime, &mentionsEnabled, &notifyOwn, &keywords, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.RealTime = realTime != 0
	p.MentionsEnabled = mentionsEnabled != 0
	p.NotifyOwnActivity = notifyOwn != 0
	json.Unmarshal([]byte(enabledStr), &p.Enabled)
	if keywords.Valid && keywords.String != "" {
		json.Unmarshal([]byte(keywords.String), &p.MentionKeywords)
	}
	return &p, nil
}
