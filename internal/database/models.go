package database

import (
	"database/sql"
	"time"
)

// User represents a Telegram user known to the bot. Created on first
// contact; the Notion credential and container id are set once a token
// has been validated. Waiting is the single-flight guard flag.
type User struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	FullName  string    `db:"fullname"`
	AddedAt   time.Time `db:"added_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Waiting   bool      `db:"waiting"`

	NotionToken sql.NullString `db:"notion_token"`
	NotionDBID  sql.NullString `db:"notion_db_id"`
}

// Link is a globally shared, content-addressed row: one per distinct URL,
// never updated after creation. Title, category, and source come from the
// metadata fetch at first save.
type Link struct {
	ID       int64     `db:"id"`
	URL      string    `db:"url"`
	Title    string    `db:"title"`
	Category string    `db:"category"`
	Source   string    `db:"source"`
	AddedAt  time.Time `db:"added_at"`
}

// UserLink associates a user with a link, carrying the user-chosen
// category and priority. Unique per (user, link).
type UserLink struct {
	ID       int64  `db:"id"`
	UserID   int64  `db:"user_id"`
	LinkID   int64  `db:"link_id"`
	Category string `db:"category"`
	Priority int    `db:"priority"`
}

// ForwardOrigin records where a forwarded message came from. At most one
// per UserLink, attached only when the capturing message was a forward.
type ForwardOrigin struct {
	UserLinkID int64  `db:"userlink_id"`
	Username   string `db:"username"`
	FullName   string `db:"fullname"`
	Type       string `db:"type"`
}

// SavedLink is the joined view of a user's saved link, used for listing
// and for full re-sync.
type SavedLink struct {
	URL      string `db:"url"`
	Title    string `db:"title"`
	Source   string `db:"source"`
	Category string `db:"category"`
	Priority int    `db:"priority"`

	ForwardUsername sql.NullString `db:"fwd_username"`
	ForwardFullName sql.NullString `db:"fwd_fullname"`
	ForwardType     sql.NullString `db:"fwd_type"`
}
