// Package capture implements the link-capture workflow: a per-user state
// machine that extracts links from messages, collects classification input
// across turns, persists links idempotently, and mirrors them into the
// user's external workspace.
//
// The engine is transport-neutral: it consumes tagged inbound messages and
// produces outbound replies with optional reply keyboards, so the state
// machine is testable without a Telegram connection.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/linksin/linksin/internal/config"
	"github.com/linksin/linksin/internal/database"
	"github.com/linksin/linksin/internal/links"
	"github.com/linksin/linksin/internal/metadata"
	"github.com/linksin/linksin/internal/notion"
	"github.com/linksin/linksin/internal/session"
)

const maxCategoryLength = 16

// Inbound is a tagged variant of the message payloads the workflow cares
// about: plain text, media caption, or a forwarded message.
type Inbound struct {
	UserID   int64
	ChatID   int64
	Username string
	FullName string

	// Text is the message text, or the caption for photo/video messages.
	Text string

	// Forward is set when the message was forwarded from a user, channel,
	// or chat.
	Forward *session.ForwardOrigin
}

// Keyboard describes a reply keyboard: rows of button labels, or a request
// to remove the current keyboard.
type Keyboard struct {
	Rows   [][]string
	Remove bool
}

// Outbound is one reply the transport should deliver.
type Outbound struct {
	Text     string
	Keyboard *Keyboard
}

type stepFunc func(ctx context.Context, in Inbound, sess session.Session) ([]Outbound, error)

// Engine drives the per-user conversation state machine.
type Engine struct {
	sessions session.Store
	store    database.Store
	fetcher  metadata.Fetcher
	syncer   notion.Syncer
	msgs     config.MessagesConfig
	logger   *slog.Logger

	// steps is the state-to-handler lookup table; dispatch is a map
	// lookup, decoupled from any transport router.
	steps map[session.State]stepFunc
}

// NewEngine creates the workflow engine with its collaborators.
func NewEngine(
	sessions session.Store,
	store database.Store,
	fetcher metadata.Fetcher,
	syncer notion.Syncer,
	msgs config.MessagesConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		sessions: sessions,
		store:    store,
		fetcher:  fetcher,
		syncer:   syncer,
		msgs:     msgs,
		logger:   logger.With("component", "capture_engine"),
	}
	e.steps = map[session.State]stepFunc{
		session.StateIdle:                  e.stepCaptureEntry,
		session.StateAwaitingTokenDecision: e.stepTokenDecision,
		session.StateAwaitingToken:         e.stepToken,
		session.StateAwaitingSelection:     e.stepSelection,
		session.StateAwaitingCategory:      e.stepCategory,
		session.StateAwaitingNewCategory:   e.stepNewCategory,
		session.StateAwaitingPriority:      e.stepPriority,
		session.StateAwaitingListCategory:  e.stepListCategory,
		session.StateAwaitingSyncConfirm:   e.stepSyncConfirm,
	}
	return e
}

// HandleMessage processes one free-text/caption/forward message through
// the state machine. It is the catch-all error boundary of the workflow:
// step errors are logged here and turned into a generic failure notice,
// with the session cleared so the user is never left stuck.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) []Outbound {
	if _, err := e.store.EnsureUser(ctx, in.UserID, in.Username, in.FullName); err != nil {
		return e.fail(ctx, in, err)
	}

	busy, err := e.store.IsBusy(ctx, in.UserID)
	if err != nil {
		return e.fail(ctx, in, err)
	}
	if busy {
		return []Outbound{{Text: e.msgs.PleaseWait}}
	}

	sess := e.sessions.Get(in.UserID)
	step, ok := e.steps[sess.State]
	if !ok {
		e.logger.WarnContext(ctx, "Session in unknown state, resetting",
			"user_id", in.UserID, "state", sess.State.String())
		e.sessions.Clear(in.UserID)
		step = e.stepCaptureEntry
		sess = session.Session{}
	}

	out, err := step(ctx, in, sess)
	if err != nil {
		return e.fail(ctx, in, err)
	}
	return out
}

// fail is the logging side of the error boundary.
func (e *Engine) fail(ctx context.Context, in Inbound, err error) []Outbound {
	e.logger.ErrorContext(ctx, "Workflow step failed",
		"user_id", in.UserID, "state", e.sessions.Get(in.UserID).State.String(), "error", err)
	e.sessions.Clear(in.UserID)
	return []Outbound{{Text: e.msgs.GeneralError, Keyboard: &Keyboard{Remove: true}}}
}

// Start handles the /start command: greet, and offer token setup when the
// user has no credential yet.
func (e *Engine) Start(ctx context.Context, in Inbound) []Outbound {
	user, err := e.store.EnsureUser(ctx, in.UserID, in.Username, in.FullName)
	if err != nil {
		return e.fail(ctx, in, err)
	}
	if out, blocked := e.busyNotice(ctx, in); blocked {
		return out
	}

	firstName := in.FullName
	if firstName == "" {
		firstName = in.Username
	}

	if user.NotionToken.Valid && user.NotionToken.String != "" {
		// /start abandons whatever conversation was in flight.
		e.sessions.Clear(in.UserID)
		return []Outbound{{Text: fmt.Sprintf(e.msgs.GreetingKnown, firstName), Keyboard: &Keyboard{Remove: true}}}
	}

	e.sessions.Set(in.UserID, session.Session{State: session.StateAwaitingTokenDecision})
	return []Outbound{{
		Text:     fmt.Sprintf(e.msgs.Greeting, firstName) + "\n\n" + e.msgs.TokenOffer,
		Keyboard: &Keyboard{Rows: [][]string{{e.msgs.TokenAddButton}, {e.msgs.TokenSkipButton}}},
	}}
}

// Token handles the /token command: prompt for a (new) credential.
func (e *Engine) Token(ctx context.Context, in Inbound) []Outbound {
	if _, err := e.store.EnsureUser(ctx, in.UserID, in.Username, in.FullName); err != nil {
		return e.fail(ctx, in, err)
	}
	if out, blocked := e.busyNotice(ctx, in); blocked {
		return out
	}

	e.sessions.Set(in.UserID, session.Session{State: session.StateAwaitingToken})
	return []Outbound{{Text: e.msgs.TokenPrompt, Keyboard: &Keyboard{Remove: true}}}
}

// List handles the /list command: ask which category to show.
func (e *Engine) List(ctx context.Context, in Inbound) []Outbound {
	if _, err := e.store.EnsureUser(ctx, in.UserID, in.Username, in.FullName); err != nil {
		return e.fail(ctx, in, err)
	}
	if out, blocked := e.busyNotice(ctx, in); blocked {
		return out
	}

	categories, err := e.store.UserCategories(ctx, in.UserID)
	if err != nil {
		return e.fail(ctx, in, err)
	}

	e.sessions.Set(in.UserID, session.Session{State: session.StateAwaitingListCategory})
	return []Outbound{{
		Text:     e.msgs.ListPrompt,
		Keyboard: &Keyboard{Rows: buttonRows(categories, e.msgs.ListAllButton)},
	}}
}

// Sync handles the /sync command: ask for explicit confirmation before
// re-pushing everything to the external workspace.
func (e *Engine) Sync(ctx context.Context, in Inbound) []Outbound {
	if _, err := e.store.EnsureUser(ctx, in.UserID, in.Username, in.FullName); err != nil {
		return e.fail(ctx, in, err)
	}
	if out, blocked := e.busyNotice(ctx, in); blocked {
		return out
	}

	e.sessions.Set(in.UserID, session.Session{State: session.StateAwaitingSyncConfirm})
	return []Outbound{{
		Text:     e.msgs.SyncConfirm,
		Keyboard: &Keyboard{Rows: [][]string{{e.msgs.SyncYesButton}, {e.msgs.SyncNoButton}}},
	}}
}

// busyNotice implements the entry-point busy check: while a user's
// exclusive work is in flight, any new message gets a wait notice and
// causes no state mutation.
func (e *Engine) busyNotice(ctx context.Context, in Inbound) ([]Outbound, bool) {
	busy, err := e.store.IsBusy(ctx, in.UserID)
	if err != nil {
		return e.fail(ctx, in, err), true
	}
	if busy {
		return []Outbound{{Text: e.msgs.PleaseWait}}, true
	}
	return nil, false
}

// stepCaptureEntry starts the capture flow from an idle session: extract
// links, then either ask for a selection (several links) or go straight to
// the category step (exactly one).
func (e *Engine) stepCaptureEntry(ctx context.Context, in Inbound, _ session.Session) ([]Outbound, error) {
	found := links.Extract(in.Text)
	if len(found) == 0 {
		return []Outbound{{Text: e.msgs.NoLinksFound}}, nil
	}

	if len(found) == 1 {
		// Single link skips the numbering step entirely.
		return e.promptCategory(ctx, in, session.Session{
			PendingLinks:  found,
			SelectedLinks: found,
			Forward:       in.Forward,
		})
	}

	e.sessions.Set(in.UserID, session.Session{
		State:        session.StateAwaitingSelection,
		PendingLinks: found,
		Forward:      in.Forward,
	})

	var sb strings.Builder
	sb.WriteString(e.msgs.LinksFoundHeader)
	for i, link := range found {
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, link))
	}
	sb.WriteString("\n\n")
	sb.WriteString(e.msgs.SelectionPrompt)
	return []Outbound{{Text: sb.String(), Keyboard: &Keyboard{Remove: true}}}, nil
}

// stepSelection parses space-separated 1-based indices. Non-numeric and
// out-of-range tokens are silently discarded; an empty result aborts the
// workflow.
func (e *Engine) stepSelection(ctx context.Context, in Inbound, sess session.Session) ([]Outbound, error) {
	var selected []string
	seen := make(map[int]struct{})
	for _, token := range strings.Fields(in.Text) {
		idx, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		if idx < 1 || idx > len(sess.PendingLinks) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		selected = append(selected, sess.PendingLinks[idx-1])
	}

	if len(selected) == 0 {
		e.sessions.Clear(in.UserID)
		return []Outbound{{Text: e.msgs.EmptySelection, Keyboard: &Keyboard{Remove: true}}}, nil
	}

	sess.SelectedLinks = selected
	return e.promptCategory(ctx, in, sess)
}

// promptCategory moves the session to the category step and renders the
// user's existing categories as keyboard choices.
func (e *Engine) promptCategory(ctx context.Context, in Inbound, sess session.Session) ([]Outbound, error) {
	categories, err := e.store.UserCategories(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	sess.State = session.StateAwaitingCategory
	e.sessions.Set(in.UserID, sess)

	return []Outbound{{
		Text:     e.msgs.CategoryPrompt,
		Keyboard: &Keyboard{Rows: buttonRows(categories, e.msgs.NewCategoryButton)},
	}}, nil
}

func (e *Engine) stepCategory(_ context.Context, in Inbound, sess session.Session) ([]Outbound, error) {
	choice := strings.TrimSpace(in.Text)
	if choice == "" {
		return []Outbound{{Text: e.msgs.CategoryPrompt}}, nil
	}

	if strings.EqualFold(choice, e.msgs.NewCategoryButton) {
		sess.State = session.StateAwaitingNewCategory
		e.sessions.Set(in.UserID, sess)
		return []Outbound{{Text: e.msgs.NewCategoryPrompt, Keyboard: &Keyboard{Remove: true}}}, nil
	}

	sess.Category = choice
	sess.State = session.StateAwaitingPriority
	e.sessions.Set(in.UserID, sess)
	return []Outbound{{Text: e.msgs.PriorityPrompt, Keyboard: &Keyboard{Remove: true}}}, nil
}

func (e *Engine) stepNewCategory(_ context.Context, in Inbound, sess session.Session) ([]Outbound, error) {
	name := strings.TrimSpace(in.Text)
	if name == "" || utf8.RuneCountInString(name) > maxCategoryLength {
		// Re-prompt in place, no transition.
		return []Outbound{{Text: e.msgs.CategoryTooLong}}, nil
	}

	sess.Category = name
	sess.State = session.StateAwaitingPriority
	e.sessions.Set(in.UserID, sess)
	return []Outbound{{Text: e.msgs.PriorityPrompt}}, nil
}

// stepPriority validates the priority and then runs the exclusive part of
// the workflow: enrich, persist, and best-effort sync every selected link.
func (e *Engine) stepPriority(ctx context.Context, in Inbound, sess session.Session) ([]Outbound, error) {
	priority, err := strconv.Atoi(strings.TrimSpace(in.Text))
	if err != nil || priority < 1 || priority > 10 {
		// Re-prompt in place, no transition.
		return []Outbound{{Text: e.msgs.PriorityInvalid}}, nil
	}

	acquired, err := e.store.AcquireBusy(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return []Outbound{{Text: e.msgs.PleaseWait}}, nil
	}
	defer func() {
		if releaseErr := e.store.ReleaseBusy(ctx, in.UserID); releaseErr != nil {
			e.logger.ErrorContext(ctx, "Failed to release busy flag after save",
				"user_id", in.UserID, "error", releaseErr)
		}
	}()

	out := e.saveSelected(ctx, in, sess, priority)
	e.sessions.Clear(in.UserID)
	return out, nil
}

// saveSelected persists each selected link and mirrors newly created ones
// into the user's workspace. Local persistence is the source of truth;
// sync failures are reported but never roll back the save.
func (e *Engine) saveSelected(ctx context.Context, in Inbound, sess session.Session, priority int) []Outbound {
	user, err := e.store.GetUser(ctx, in.UserID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to load user before save", "user_id", in.UserID, "error", err)
		return []Outbound{{Text: e.msgs.GeneralError, Keyboard: &Keyboard{Remove: true}}}
	}

	var lines []string
	for _, raw := range sess.SelectedLinks {
		url := links.Normalize(raw)
		meta := e.fetcher.Fetch(ctx, url)

		var forward *database.ForwardOrigin
		if sess.Forward != nil {
			forward = &database.ForwardOrigin{
				Username: sess.Forward.Username,
				FullName: sess.Forward.FullName,
				Type:     sess.Forward.Type,
			}
		}

		result, err := e.store.SaveLink(ctx, database.SaveLinkParams{
			UserID:       in.UserID,
			URL:          url,
			Title:        meta.Title,
			MetaCategory: meta.Category,
			Source:       meta.Source,
			UserCategory: sess.Category,
			Priority:     priority,
			Forward:      forward,
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to save link",
				"user_id", in.UserID, "url", url, "error", err)
			lines = append(lines, e.msgs.GeneralError)
			continue
		}

		if result == database.SaveResultAlreadyExists {
			lines = append(lines, fmt.Sprintf(e.msgs.SavedExists, raw))
			continue
		}

		lines = append(lines, fmt.Sprintf(e.msgs.SavedCreated, raw))

		if !user.NotionToken.Valid || user.NotionToken.String == "" ||
			!user.NotionDBID.Valid || user.NotionDBID.String == "" {
			continue
		}
		pushErr := e.syncer.Push(ctx, user.NotionToken.String, user.NotionDBID.String, notion.LinkRecord{
			Title:    meta.Title,
			URL:      url,
			Category: sess.Category,
			Source:   meta.Source,
			Priority: priority,
		})
		if pushErr != nil {
			e.logger.WarnContext(ctx, "External sync failed",
				"user_id", in.UserID, "url", url, "error", pushErr)
			lines = append(lines, fmt.Sprintf(e.msgs.SyncFailed, raw))
		}
	}

	return []Outbound{{Text: strings.Join(lines, "\n"), Keyboard: &Keyboard{Remove: true}}}
}

// stepTokenDecision handles the Add/Skip keyboard shown after /start.
func (e *Engine) stepTokenDecision(_ context.Context, in Inbound, _ session.Session) ([]Outbound, error) {
	switch {
	case strings.EqualFold(strings.TrimSpace(in.Text), e.msgs.TokenAddButton):
		e.sessions.Set(in.UserID, session.Session{State: session.StateAwaitingToken})
		return []Outbound{{Text: e.msgs.TokenPrompt, Keyboard: &Keyboard{Remove: true}}}, nil
	case strings.EqualFold(strings.TrimSpace(in.Text), e.msgs.TokenSkipButton):
		e.sessions.Clear(in.UserID)
		return []Outbound{{Text: e.msgs.TokenSkipped, Keyboard: &Keyboard{Remove: true}}}, nil
	default:
		return []Outbound{{Text: e.msgs.TokenOffer}}, nil
	}
}

// stepToken validates a submitted credential and provisions the workspace
// container. An invalid token never results in partial persistence.
func (e *Engine) stepToken(ctx context.Context, in Inbound, _ session.Session) ([]Outbound, error) {
	token := strings.TrimSpace(in.Text)

	acquired, err := e.store.AcquireBusy(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return []Outbound{{Text: e.msgs.PleaseWait}}, nil
	}
	defer func() {
		if releaseErr := e.store.ReleaseBusy(ctx, in.UserID); releaseErr != nil {
			e.logger.ErrorContext(ctx, "Failed to release busy flag after token check",
				"user_id", in.UserID, "error", releaseErr)
		}
	}()

	out := []Outbound{{Text: e.msgs.TokenChecking}}

	if err := e.syncer.ValidateToken(ctx, token); err != nil {
		e.logger.InfoContext(ctx, "Token validation rejected", "user_id", in.UserID, "error", err)
		e.sessions.Clear(in.UserID)
		return append(out, Outbound{Text: e.msgs.TokenRejected}), nil
	}

	containerID, err := e.syncer.EnsureContainer(ctx, token)
	if err != nil {
		e.logger.WarnContext(ctx, "Container provisioning failed", "user_id", in.UserID, "error", err)
		e.sessions.Clear(in.UserID)
		return append(out, Outbound{Text: e.msgs.TokenRejected}), nil
	}

	if err := e.store.SetNotionCredentials(ctx, in.UserID, token, containerID); err != nil {
		return nil, err
	}

	e.sessions.Clear(in.UserID)
	return append(out, Outbound{Text: e.msgs.TokenAccepted}), nil
}

// stepListCategory renders the user's saved links for the chosen category.
func (e *Engine) stepListCategory(ctx context.Context, in Inbound, _ session.Session) ([]Outbound, error) {
	choice := strings.TrimSpace(in.Text)
	category := choice
	if strings.EqualFold(choice, e.msgs.ListAllButton) {
		category = ""
	}

	saved, err := e.store.UserLinks(ctx, in.UserID, category)
	if err != nil {
		return nil, err
	}

	e.sessions.Clear(in.UserID)

	if len(saved) == 0 {
		return []Outbound{{Text: e.msgs.ListEmpty, Keyboard: &Keyboard{Remove: true}}}, nil
	}

	var sb strings.Builder
	for i, link := range saved {
		if i > 0 {
			sb.WriteString("\n")
		}
		title := link.Title
		if title == "" {
			title = link.URL
		}
		sb.WriteString(fmt.Sprintf("%d. %s — %s", i+1, title, link.URL))
		if link.ForwardUsername.Valid && link.ForwardUsername.String != "" {
			sb.WriteString(fmt.Sprintf(" (from @%s)", link.ForwardUsername.String))
		}
	}
	return []Outbound{{Text: sb.String(), Keyboard: &Keyboard{Remove: true}}}, nil
}

// stepSyncConfirm handles the yes/no confirmation of a full re-sync.
func (e *Engine) stepSyncConfirm(ctx context.Context, in Inbound, _ session.Session) ([]Outbound, error) {
	choice := strings.TrimSpace(in.Text)

	if strings.EqualFold(choice, e.msgs.SyncNoButton) {
		e.sessions.Clear(in.UserID)
		return []Outbound{{Text: e.msgs.SyncCancelled, Keyboard: &Keyboard{Remove: true}}}, nil
	}
	if !strings.EqualFold(choice, e.msgs.SyncYesButton) {
		return []Outbound{{Text: e.msgs.SyncConfirm}}, nil
	}

	user, err := e.store.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !user.NotionToken.Valid || user.NotionToken.String == "" ||
		!user.NotionDBID.Valid || user.NotionDBID.String == "" {
		e.sessions.Clear(in.UserID)
		return []Outbound{{Text: e.msgs.NoCredential, Keyboard: &Keyboard{Remove: true}}}, nil
	}

	acquired, err := e.store.AcquireBusy(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return []Outbound{{Text: e.msgs.PleaseWait}}, nil
	}
	defer func() {
		if releaseErr := e.store.ReleaseBusy(ctx, in.UserID); releaseErr != nil {
			e.logger.ErrorContext(ctx, "Failed to release busy flag after re-sync",
				"user_id", in.UserID, "error", releaseErr)
		}
	}()

	saved, err := e.store.UserLinks(ctx, in.UserID, "")
	if err != nil {
		return nil, err
	}

	synced := 0
	var failed []string
	for _, link := range saved {
		pushErr := e.syncer.Push(ctx, user.NotionToken.String, user.NotionDBID.String, notion.LinkRecord{
			Title:    link.Title,
			URL:      link.URL,
			Category: link.Category,
			Source:   link.Source,
			Priority: link.Priority,
		})
		if pushErr != nil {
			e.logger.WarnContext(ctx, "Re-sync push failed",
				"user_id", in.UserID, "url", link.URL, "error", pushErr)
			failed = append(failed, link.URL)
			continue
		}
		synced++
	}

	e.sessions.Clear(in.UserID)

	out := []Outbound{{Text: fmt.Sprintf(e.msgs.SyncDone, synced), Keyboard: &Keyboard{Remove: true}}}
	for _, url := range failed {
		out = append(out, Outbound{Text: fmt.Sprintf(e.msgs.SyncFailed, url)})
	}
	return out, nil
}

// buttonRows lays out choices two per row with a trailing action row, the
// same arrangement the reply keyboards use everywhere in the bot.
func buttonRows(choices []string, action string) [][]string {
	var rows [][]string
	for i := 0; i < len(choices); i += 2 {
		end := i + 2
		if end > len(choices) {
			end = len(choices)
		}
		rows = append(rows, choices[i:end])
	}
	rows = append(rows, []string{action})
	return rows
}
