package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveResult reports the outcome of an idempotent link save.
type SaveResult int

const (
	// SaveResultCreated means this is the first time this user saved this URL.
	SaveResultCreated SaveResult = iota
	// SaveResultAlreadyExists means the user already had this URL saved.
	// The existing category/priority are left untouched.
	SaveResultAlreadyExists
)

// SaveLinkParams carries everything needed to persist one classified link.
type SaveLinkParams struct {
	UserID int64
	URL    string

	// Metadata populates the global Link row on first creation only.
	Title        string
	MetaCategory string
	Source       string

	// UserCategory and Priority go on the UserLink association.
	UserCategory string
	Priority     int

	// Forward, when non-nil, records the provenance of the forwarded
	// message that carried this link.
	Forward *ForwardOrigin
}

// Store defines the interface for database operations.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// EnsureUser creates the user on first contact and returns the row.
	// Repeated calls are no-ops that return the existing user.
	EnsureUser(ctx context.Context, userID int64, username, fullName string) (*User, error)

	// GetUser retrieves a user by id. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, userID int64) (*User, error)

	// SetNotionCredentials stores a validated token and container id in one
	// atomic update; a failed validation never persists partial credentials.
	SetNotionCredentials(ctx context.Context, userID int64, token, containerID string) error

	// IsBusy reports whether the user has an in-progress exclusive workflow.
	IsBusy(ctx context.Context, userID int64) (bool, error)

	// AcquireBusy atomically flips the user's waiting flag from clear to
	// set. Returns false when the flag was already set, in which case the
	// caller must not proceed.
	AcquireBusy(ctx context.Context, userID int64) (bool, error)

	// ReleaseBusy clears the user's waiting flag unconditionally.
	ReleaseBusy(ctx context.Context, userID int64) error

	// UserCategories returns the distinct categories the user has used,
	// defaulting to ["other"] when they have none yet.
	UserCategories(ctx context.Context, userID int64) ([]string, error)

	// SaveLink persists a classified link idempotently: the Link row is
	// created once per distinct URL, the UserLink once per (user, link).
	// Conflicts on either uniqueness constraint are expected outcomes, not
	// errors.
	SaveLink(ctx context.Context, params SaveLinkParams) (SaveResult, error)

	// UserLinks returns the user's saved links joined with link metadata
	// and forward provenance. An empty category means all categories.
	UserLinks(ctx context.Context, userID int64, category string) ([]SavedLink, error)

	// RunSQLMaintenance performs database maintenance (VACUUM) and resets
	// waiting flags left set by a crash mid-workflow.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) EnsureUser(ctx context.Context, userID int64, username, fullName string) (*User, error) {
	if userID == 0 {
		return nil, fmt.Errorf("user id cannot be zero")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (id, username, fullname, added_at, updated_at, waiting)
        VALUES (?, ?, ?, ?, ?, 0)
        ON CONFLICT (id) DO NOTHING;
    `, userID, username, fullName, now, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error ensuring user", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}

	return s.GetUser(ctx, userID)
}

func (s *sqlxStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `
        SELECT id, username, fullname, notion_token, notion_db_id, added_at, updated_at, waiting
        FROM users WHERE id = ?;
    `, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting user", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	return &user, nil
}

func (s *sqlxStore) SetNotionCredentials(ctx context.Context, userID int64, token, containerID string) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE users SET notion_token = ?, notion_db_id = ?, updated_at = ? WHERE id = ?;
    `, token, containerID, time.Now().UTC(), userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error setting notion credentials", "user_id", userID, "error", err)
		return fmt.Errorf("failed to set notion credentials for user %d: %w", userID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	s.logger.InfoContext(ctx, "Stored notion credentials", "user_id", userID)
	return nil
}

func (s *sqlxStore) IsBusy(ctx context.Context, userID int64) (bool, error) {
	var waiting bool
	err := s.db.GetContext(ctx, &waiting, `SELECT waiting FROM users WHERE id = ?;`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown user cannot have in-flight work.
		return false, nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error checking busy flag", "user_id", userID, "error", err)
		return false, fmt.Errorf("failed to check busy flag for user %d: %w", userID, err)
	}
	return waiting, nil
}

// AcquireBusy is a compare-and-set: the WHERE clause makes check and set a
// single statement, so two near-simultaneous messages from the same user
// cannot both pass.
func (s *sqlxStore) AcquireBusy(ctx context.Context, userID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
        UPDATE users SET waiting = 1, updated_at = ? WHERE id = ? AND waiting = 0;
    `, time.Now().UTC(), userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error acquiring busy flag", "user_id", userID, "error", err)
		return false, fmt.Errorf("failed to acquire busy flag for user %d: %w", userID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected acquiring busy flag: %w", err)
	}
	acquired := affected == 1
	s.logger.DebugContext(ctx, "Busy flag acquire attempt", "user_id", userID, "acquired", acquired)
	return acquired, nil
}

func (s *sqlxStore) ReleaseBusy(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE users SET waiting = 0, updated_at = ? WHERE id = ?;
    `, time.Now().UTC(), userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error releasing busy flag", "user_id", userID, "error", err)
		return fmt.Errorf("failed to release busy flag for user %d: %w", userID, err)
	}
	return nil
}

func (s *sqlxStore) UserCategories(ctx context.Context, userID int64) ([]string, error) {
	var categories []string
	err := s.db.SelectContext(ctx, &categories, `
        SELECT DISTINCT category FROM userlinks WHERE user_id = ? ORDER BY category;
    `, userID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting user categories", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get categories for user %d: %w", userID, err)
	}
	if len(categories) == 0 {
		return []string{"other"}, nil
	}
	return categories, nil
}

// SaveLink runs the whole save in one transaction so that concurrent saves
// of the same URL resolve through the unique constraints rather than racing
// on a select-then-insert.
func (s *sqlxStore) SaveLink(ctx context.Context, params SaveLinkParams) (SaveResult, error) {
	if params.UserID == 0 {
		return 0, fmt.Errorf("save requires a non-zero user id")
	}
	if params.URL == "" {
		return 0, fmt.Errorf("save requires a non-empty url")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction for link save",
			"user_id", params.UserID, "url", params.URL, "error", err)
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.WarnContext(ctx, "Error rolling back link save transaction", "error", rollbackErr)
			}
		}
	}()

	// Idempotent global link insert: a concurrent insert of the same URL is
	// treated as success via the unique constraint.
	_, err = tx.ExecContext(ctx, `
        INSERT INTO links (url, title, category, source, added_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (url) DO NOTHING;
    `, params.URL, params.Title, params.MetaCategory, params.Source, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting link", "url", params.URL, "error", err)
		return 0, fmt.Errorf("failed to insert link %q: %w", params.URL, err)
	}

	var linkID int64
	if err := tx.GetContext(ctx, &linkID, `SELECT id FROM links WHERE url = ?;`, params.URL); err != nil {
		s.logger.ErrorContext(ctx, "Error resolving link id", "url", params.URL, "error", err)
		return 0, fmt.Errorf("failed to resolve link id for %q: %w", params.URL, err)
	}

	// Idempotent association insert: a second save by the same user is a
	// no-op and does not overwrite the existing category/priority.
	result, err := tx.ExecContext(ctx, `
        INSERT INTO userlinks (user_id, link_id, category, priority)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (user_id, link_id) DO NOTHING;
    `, params.UserID, linkID, params.UserCategory, params.Priority)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error inserting userlink",
			"user_id", params.UserID, "link_id", linkID, "error", err)
		return 0, fmt.Errorf("failed to associate link %q with user %d: %w", params.URL, params.UserID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected for userlink insert: %w", err)
	}
	if affected == 0 {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit transaction: %w", err)
		}
		tx = nil
		s.logger.DebugContext(ctx, "Link already saved for user",
			"user_id", params.UserID, "url", params.URL)
		return SaveResultAlreadyExists, nil
	}

	if params.Forward != nil {
		userLinkID, err := result.LastInsertId()
		if err != nil {
			s.logger.WarnContext(ctx, "Could not retrieve userlink id, skipping forward origin",
				"user_id", params.UserID, "url", params.URL, "error", err)
		} else {
			_, err = tx.ExecContext(ctx, `
                INSERT INTO forward_origin (userlink_id, username, fullname, type)
                VALUES (?, ?, ?, ?);
            `, userLinkID, params.Forward.Username, params.Forward.FullName, params.Forward.Type)
			if err != nil {
				s.logger.ErrorContext(ctx, "Error attaching forward origin",
					"userlink_id", userLinkID, "error", err)
				return 0, fmt.Errorf("failed to attach forward origin: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit link save transaction",
			"user_id", params.UserID, "url", params.URL, "error", err)
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	s.logger.DebugContext(ctx, "Link saved successfully",
		"user_id", params.UserID, "url", params.URL, "category", params.UserCategory, "priority", params.Priority)
	return SaveResultCreated, nil
}

func (s *sqlxStore) UserLinks(ctx context.Context, userID int64, category string) ([]SavedLink, error) {
	query := `
        SELECT l.url, l.title, l.source, ul.category, COALESCE(ul.priority, 0) AS priority,
               fo.username AS fwd_username, fo.fullname AS fwd_fullname, fo.type AS fwd_type
        FROM userlinks ul
        JOIN links l ON l.id = ul.link_id
        LEFT JOIN forward_origin fo ON fo.userlink_id = ul.id
        WHERE ul.user_id = ?
    `
	args := []any{userID}
	if category != "" {
		query += " AND ul.category = ?"
		args = append(args, category)
	}
	query += " ORDER BY ul.id;"

	var saved []SavedLink
	if err := s.db.SelectContext(ctx, &saved, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error getting user links",
			"user_id", userID, "category", category, "error", err)
		return nil, fmt.Errorf("failed to get links for user %d: %w", userID, err)
	}
	return saved, nil
}

// RunSQLMaintenance executes a VACUUM on the SQLite database and clears
// waiting flags that survived a crash mid-workflow. The waiting flag is
// persistent while sessions are not, so a stale flag would lock the user
// out forever.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled before starting maintenance", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance...")

	staleBefore := time.Now().UTC().Add(-time.Hour)
	result, err := s.db.ExecContext(ctx, `
        UPDATE users SET waiting = 0, updated_at = ? WHERE waiting = 1 AND updated_at < ?;
    `, time.Now().UTC(), staleBefore)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to reset stale busy flags", "error", err)
		return fmt.Errorf("failed to reset stale busy flags: %w", err)
	}
	if cleared, err := result.RowsAffected(); err == nil && cleared > 0 {
		s.logger.WarnContext(ctx, "Reset stale busy flags", "count", cleared)
	}

	// VACUUM must run outside a transaction in SQLite.
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "VACUUM timed out or was cancelled", "error", err)
			return err
		}
		s.logger.ErrorContext(ctx, "VACUUM failed", "error", err)
		return fmt.Errorf("vacuum failed: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed successfully.")
	return nil
}
