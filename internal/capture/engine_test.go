package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linksin/linksin/internal/config"
	"github.com/linksin/linksin/internal/database"
	"github.com/linksin/linksin/internal/metadata"
	"github.com/linksin/linksin/internal/notion"
	"github.com/linksin/linksin/internal/session"
)

// fakeStore is an in-memory database.Store for engine tests.
type fakeStore struct {
	mu    sync.Mutex
	users map[int64]*database.User
	// saved maps "userID|url" to the params of the first save.
	saved map[string]database.SaveLinkParams
	links map[string]struct{}
	busy  map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[int64]*database.User),
		saved: make(map[string]database.SaveLinkParams),
		links: make(map[string]struct{}),
		busy:  make(map[int64]bool),
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) EnsureUser(_ context.Context, userID int64, username, fullName string) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	u := &database.User{ID: userID, Username: username, FullName: fullName}
	f.users[userID] = u
	return u, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID int64) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) SetNotionCredentials(_ context.Context, userID int64, token, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	u.NotionToken = sql.NullString{String: token, Valid: true}
	u.NotionDBID = sql.NullString{String: containerID, Valid: true}
	return nil
}

func (f *fakeStore) IsBusy(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[userID], nil
}

func (f *fakeStore) AcquireBusy(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[userID] {
		return false, nil
	}
	f.busy[userID] = true
	return true, nil
}

func (f *fakeStore) ReleaseBusy(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy[userID] = false
	return nil
}

func (f *fakeStore) UserCategories(_ context.Context, userID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]struct{}{}
	var cats []string
	for key, p := range f.saved {
		if strings.HasPrefix(key, fmt.Sprintf("%d|", userID)) {
			if _, ok := seen[p.UserCategory]; !ok {
				seen[p.UserCategory] = struct{}{}
				cats = append(cats, p.UserCategory)
			}
		}
	}
	if len(cats) == 0 {
		return []string{"other"}, nil
	}
	return cats, nil
}

func (f *fakeStore) SaveLink(_ context.Context, params database.SaveLinkParams) (database.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d|%s", params.UserID, params.URL)
	if _, ok := f.saved[key]; ok {
		return database.SaveResultAlreadyExists, nil
	}
	f.saved[key] = params
	f.links[params.URL] = struct{}{}
	return database.SaveResultCreated, nil
}

func (f *fakeStore) UserLinks(_ context.Context, userID int64, category string) ([]database.SavedLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.SavedLink
	for key, p := range f.saved {
		if !strings.HasPrefix(key, fmt.Sprintf("%d|", userID)) {
			continue
		}
		if category != "" && p.UserCategory != category {
			continue
		}
		out = append(out, database.SavedLink{
			URL: p.URL, Title: p.Title, Source: p.Source,
			Category: p.UserCategory, Priority: p.Priority,
		})
	}
	return out, nil
}

func (f *fakeStore) RunSQLMaintenance(context.Context) error { return nil }

// fakeFetcher returns canned metadata.
type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, url string) metadata.Metadata {
	return metadata.Metadata{Title: "Title of " + url, Source: "example"}
}

// fakeSyncer records pushes and can be told to fail.
type fakeSyncer struct {
	mu          sync.Mutex
	pushed      []notion.LinkRecord
	pushErr     error
	validateErr error
	containerID string
}

func (s *fakeSyncer) ValidateToken(context.Context, string) error { return s.validateErr }

func (s *fakeSyncer) EnsureContainer(context.Context, string) (string, error) {
	if s.containerID == "" {
		return "db-1", nil
	}
	return s.containerID, nil
}

func (s *fakeSyncer) Push(_ context.Context, _, _ string, record notion.LinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pushed = append(s.pushed, record)
	return nil
}

type engineFixture struct {
	engine   *Engine
	store    *fakeStore
	syncer   *fakeSyncer
	sessions session.Store
	msgs     config.MessagesConfig
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	msgs := config.MessagesConfig{
		Greeting:          "Hi %s!",
		GreetingKnown:     "Hi again %s!",
		TokenOffer:        "Add a token?",
		TokenAddButton:    "Add",
		TokenSkipButton:   "Skip",
		TokenPrompt:       "Send the token.",
		TokenSkipped:      "Okay.",
		TokenChecking:     "Checking...",
		TokenAccepted:     "Token accepted.",
		TokenRejected:     "Token rejected.",
		PleaseWait:        "Please wait.",
		NoLinksFound:      "No links found.",
		LinksFoundHeader:  "Found links:",
		SelectionPrompt:   "Pick numbers.",
		EmptySelection:    "Nothing selected.",
		CategoryPrompt:    "Pick a category:",
		NewCategoryButton: "create new",
		NewCategoryPrompt: "Name it.",
		CategoryTooLong:   "Too long.",
		PriorityPrompt:    "Priority 1-10?",
		PriorityInvalid:   "Bad priority.",
		SavedCreated:      "Saved %s",
		SavedExists:       "Already saved: %s",
		SyncFailed:        "Could not sync %s.",
		ListPrompt:        "Which category?",
		ListAllButton:     "all",
		ListEmpty:         "Nothing here.",
		SyncConfirm:       "Sync everything?",
		SyncYesButton:     "Yes",
		SyncNoButton:      "No",
		SyncCancelled:     "Cancelled.",
		SyncDone:          "Synced %d link(s).",
		NoCredential:      "No token yet.",
		GeneralError:      "Something went wrong.",
	}

	store := newFakeStore()
	syncer := &fakeSyncer{}
	sessions := session.NewMemoryStore()
	engine := NewEngine(sessions, store, fakeFetcher{}, syncer, msgs,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &engineFixture{engine: engine, store: store, syncer: syncer, sessions: sessions, msgs: msgs}
}

func inboundText(userID int64, text string) Inbound {
	return Inbound{UserID: userID, ChatID: userID, Username: "alice", FullName: "Alice", Text: text}
}

func TestSingleLinkGoesStraightToCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.engine.HandleMessage(ctx, inboundText(1, "check this https://example.com/page out"))
	require.Len(t, out, 1)
	assert.Equal(t, "Pick a category:", out[0].Text)

	sess := f.sessions.Get(1)
	assert.Equal(t, session.StateAwaitingCategory, sess.State)
	assert.Equal(t, []string{"https://example.com/page"}, sess.SelectedLinks)
}

func TestFullSingleLinkWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com/page"))
	f.engine.HandleMessage(ctx, inboundText(1, "work"))

	sess := f.sessions.Get(1)
	require.Equal(t, session.StateAwaitingPriority, sess.State)
	assert.Equal(t, "work", sess.Category)

	out := f.engine.HandleMessage(ctx, inboundText(1, "5"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "Saved https://example.com/page")

	// Session cleared, busy flag released.
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)
	busy, _ := f.store.IsBusy(ctx, 1)
	assert.False(t, busy)

	saved, err := f.store.UserLinks(ctx, 1, "work")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 5, saved[0].Priority)
	assert.Equal(t, "Title of https://example.com/page", saved[0].Title)
}

func TestMultipleLinksSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.engine.HandleMessage(ctx, inboundText(1, "http://a.com http://b.com"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "1. http://a.com")
	assert.Contains(t, out[0].Text, "2. http://b.com")
	assert.Equal(t, session.StateAwaitingSelection, f.sessions.Get(1).State)

	f.engine.HandleMessage(ctx, inboundText(1, "1 2"))
	sess := f.sessions.Get(1)
	assert.Equal(t, session.StateAwaitingCategory, sess.State)
	assert.Equal(t, []string{"http://a.com", "http://b.com"}, sess.SelectedLinks)
}

func TestSelectionDiscardsJunkTokensSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, inboundText(1, "http://a.com http://b.com http://c.com"))
	f.engine.HandleMessage(ctx, inboundText(1, "abc 2 99 0 2"))

	sess := f.sessions.Get(1)
	assert.Equal(t, session.StateAwaitingCategory, sess.State)
	assert.Equal(t, []string{"http://b.com"}, sess.SelectedLinks)
}

func TestEmptySelectionAbortsWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, inboundText(1, "http://a.com http://b.com"))
	out := f.engine.HandleMessage(ctx, inboundText(1, "abc xyz 99"))

	require.Len(t, out, 1)
	assert.Equal(t, "Nothing selected.", out[0].Text)
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)
}

func TestNoLinksFound(t *testing.T) {
	f := newFixture(t)
	out := f.engine.HandleMessage(context.Background(), inboundText(1, "just words"))
	require.Len(t, out, 1)
	assert.Equal(t, "No links found.", out[0].Text)
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)
}

func TestPriorityValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com"))
	f.engine.HandleMessage(ctx, inboundText(1, "work"))

	for _, bad := range []string{"15", "0", "-1", "abc", "5.5", ""} {
		out := f.engine.HandleMessage(ctx, inboundText(1, bad))
		require.Len(t, out, 1)
		assert.Equal(t, "Bad priority.", out[0].Text, "input %q must be rejected", bad)
		assert.Equal(t, session.StateAwaitingPriority, f.sessions.Get(1).State)
	}

	out := f.engine.HandleMessage(ctx, inboundText(1, "10"))
	assert.Contains(t, out[0].Text, "Saved")
}

func TestNewCategoryLengthValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com"))
	f.engine.HandleMessage(ctx, inboundText(1, "create new"))
	require.Equal(t, session.StateAwaitingNewCategory, f.sessions.Get(1).State)

	out := f.engine.HandleMessage(ctx, inboundText(1, "seventeen-chars-x"))
	require.Len(t, out, 1)
	assert.Equal(t, "Too long.", out[0].Text)
	assert.Equal(t, session.StateAwaitingNewCategory, f.sessions.Get(1).State)

	f.engine.HandleMessage(ctx, inboundText(1, "sixteen-chars-ok"))
	sess := f.sessions.Get(1)
	assert.Equal(t, session.StateAwaitingPriority, sess.State)
	assert.Equal(t, "sixteen-chars-ok", sess.Category)
}

func TestBusyUserGetsWaitNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureUser(ctx, 1, "alice", "Alice")
	require.NoError(t, err)
	acquired, err := f.store.AcquireBusy(ctx, 1)
	require.NoError(t, err)
	require.True(t, acquired)

	out := f.engine.HandleMessage(ctx, inboundText(1, "https://example.com"))
	require.Len(t, out, 1)
	assert.Equal(t, "Please wait.", out[0].Text)
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State, "no state mutation while busy")

	out = f.engine.Start(ctx, inboundText(1, "/start"))
	assert.Equal(t, "Please wait.", out[0].Text)
}

func TestDuplicateSaveReportsAlreadyExists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := func() []Outbound {
		f.engine.HandleMessage(ctx, inboundText(1, "https://example.com/page"))
		f.engine.HandleMessage(ctx, inboundText(1, "work"))
		return f.engine.HandleMessage(ctx, inboundText(1, "5"))
	}

	out := run()
	assert.Contains(t, out[0].Text, "Saved")

	out = run()
	assert.Contains(t, out[0].Text, "Already saved: https://example.com/page")

	saved, _ := f.store.UserLinks(ctx, 1, "")
	assert.Len(t, saved, 1)
}

func TestSavePushesToWorkspaceWhenCredentialed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureUser(ctx, 1, "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetNotionCredentials(ctx, 1, "tok", "db-1"))

	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com/page"))
	f.engine.HandleMessage(ctx, inboundText(1, "work"))
	f.engine.HandleMessage(ctx, inboundText(1, "7"))

	require.Len(t, f.syncer.pushed, 1)
	assert.Equal(t, "https://example.com/page", f.syncer.pushed[0].URL)
	assert.Equal(t, 7, f.syncer.pushed[0].Priority)

	// A duplicate save does not push again.
	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com/page"))
	f.engine.HandleMessage(ctx, inboundText(1, "work"))
	f.engine.HandleMessage(ctx, inboundText(1, "7"))
	assert.Len(t, f.syncer.pushed, 1)
}

func TestSyncFailureDoesNotRollBackSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureUser(ctx, 1, "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetNotionCredentials(ctx, 1, "tok", "db-1"))
	f.syncer.pushErr = errors.New("boom")

	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com/page"))
	f.engine.HandleMessage(ctx, inboundText(1, "work"))
	out := f.engine.HandleMessage(ctx, inboundText(1, "5"))

	assert.Contains(t, out[0].Text, "Could not sync")

	saved, _ := f.store.UserLinks(ctx, 1, "")
	assert.Len(t, saved, 1, "local save is the source of truth")
}

func TestTokenFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.engine.Token(ctx, inboundText(1, "/token"))
	assert.Equal(t, "Send the token.", out[0].Text)

	out = f.engine.HandleMessage(ctx, inboundText(1, "secret-token"))
	require.Len(t, out, 2)
	assert.Equal(t, "Checking...", out[0].Text)
	assert.Equal(t, "Token accepted.", out[1].Text)

	u, err := f.store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", u.NotionToken.String)
	assert.Equal(t, "db-1", u.NotionDBID.String)

	busy, _ := f.store.IsBusy(ctx, 1)
	assert.False(t, busy)
}

func TestInvalidTokenPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.syncer.validateErr = notion.ErrInvalidToken

	f.engine.Token(ctx, inboundText(1, "/token"))
	out := f.engine.HandleMessage(ctx, inboundText(1, "bad-token"))
	require.Len(t, out, 2)
	assert.Equal(t, "Token rejected.", out[1].Text)

	u, err := f.store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.False(t, u.NotionToken.Valid)
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)
}

func TestStartOffersTokenSetup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.engine.Start(ctx, inboundText(1, "/start"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "Hi Alice!")
	require.NotNil(t, out[0].Keyboard)
	assert.Equal(t, [][]string{{"Add"}, {"Skip"}}, out[0].Keyboard.Rows)
	assert.Equal(t, session.StateAwaitingTokenDecision, f.sessions.Get(1).State)

	// Skip clears the session.
	out = f.engine.HandleMessage(ctx, inboundText(1, "Skip"))
	assert.Equal(t, "Okay.", out[0].Text)
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)
}

func TestStartAbandonsInFlightConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureUser(ctx, 1, "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetNotionCredentials(ctx, 1, "tok", "db-1"))

	f.engine.HandleMessage(ctx, inboundText(1, "https://example.com"))
	f.engine.HandleMessage(ctx, inboundText(1, "work"))
	require.Equal(t, session.StateAwaitingPriority, f.sessions.Get(1).State)

	out := f.engine.Start(ctx, inboundText(1, "/start"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "Hi again Alice!")
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)

	// The stale priority answer now starts a fresh capture attempt.
	out = f.engine.HandleMessage(ctx, inboundText(1, "5"))
	require.Len(t, out, 1)
	assert.Equal(t, "No links found.", out[0].Text)
}

func TestSyncConfirmationNo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Sync(ctx, inboundText(1, "/sync"))
	require.Equal(t, session.StateAwaitingSyncConfirm, f.sessions.Get(1).State)

	out := f.engine.HandleMessage(ctx, inboundText(1, "No"))
	require.Len(t, out, 1)
	assert.Equal(t, "Cancelled.", out[0].Text)
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)
	assert.Empty(t, f.syncer.pushed)
}

func TestSyncConfirmationYesPushesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.EnsureUser(ctx, 1, "alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetNotionCredentials(ctx, 1, "tok", "db-1"))

	for _, url := range []string{"https://a.com", "https://b.com"} {
		_, err := f.store.SaveLink(ctx, database.SaveLinkParams{
			UserID: 1, URL: url, Title: "t", UserCategory: "work", Priority: 1,
		})
		require.NoError(t, err)
	}

	f.engine.Sync(ctx, inboundText(1, "/sync"))
	out := f.engine.HandleMessage(ctx, inboundText(1, "Yes"))
	require.NotEmpty(t, out)
	assert.Equal(t, "Synced 2 link(s).", out[0].Text)
	assert.Len(t, f.syncer.pushed, 2)

	busy, _ := f.store.IsBusy(ctx, 1)
	assert.False(t, busy)
}

func TestSyncWithoutCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Sync(ctx, inboundText(1, "/sync"))
	out := f.engine.HandleMessage(ctx, inboundText(1, "Yes"))
	require.Len(t, out, 1)
	assert.Equal(t, "No token yet.", out[0].Text)
}

func TestForwardOriginCarriedToSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := inboundText(1, "https://example.com/fwd")
	in.Forward = &session.ForwardOrigin{Username: "carol", FullName: "Carol C", Type: "user"}
	f.engine.HandleMessage(ctx, in)
	f.engine.HandleMessage(ctx, inboundText(1, "news"))
	f.engine.HandleMessage(ctx, inboundText(1, "3"))

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	p, ok := f.store.saved["1|https://example.com/fwd"]
	require.True(t, ok)
	require.NotNil(t, p.Forward)
	assert.Equal(t, "carol", p.Forward.Username)
	assert.Equal(t, "user", p.Forward.Type)
}

func TestListFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.SaveLink(ctx, database.SaveLinkParams{
		UserID: 1, URL: "https://a.com", Title: "A", UserCategory: "work", Priority: 1,
	})
	require.NoError(t, err)

	out := f.engine.List(ctx, inboundText(1, "/list"))
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Keyboard)
	assert.Equal(t, session.StateAwaitingListCategory, f.sessions.Get(1).State)

	out = f.engine.HandleMessage(ctx, inboundText(1, "work"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Text, "https://a.com")
	assert.Equal(t, session.StateIdle, f.sessions.Get(1).State)

	// "all" shows everything; unknown category shows the empty notice.
	f.engine.List(ctx, inboundText(1, "/list"))
	out = f.engine.HandleMessage(ctx, inboundText(1, "all"))
	assert.Contains(t, out[0].Text, "https://a.com")

	f.engine.List(ctx, inboundText(1, "/list"))
	out = f.engine.HandleMessage(ctx, inboundText(1, "nothing-here"))
	assert.Equal(t, "Nothing here.", out[0].Text)
}

func TestButtonRowsLayout(t *testing.T) {
	rows := buttonRows([]string{"a", "b", "c"}, "new")
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"new"}}, rows)

	rows = buttonRows(nil, "new")
	assert.Equal(t, [][]string{{"new"}}, rows)
}
