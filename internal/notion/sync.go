package notion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultContainerTitle is the sentinel name of both the parent page the
// user shares with the integration and the database created under it.
const DefaultContainerTitle = "linksinbot"

// ErrNoParentPage is returned when no shared page carrying the sentinel
// title exists, so the container cannot be provisioned.
var ErrNoParentPage = errors.New("no shared parent page found")

// Syncer is the external sync boundary the workflow talks to. Sync is
// best-effort: a failure is surfaced to the caller but never undoes the
// local save.
type Syncer interface {
	// ValidateToken checks a credential against the service identity call.
	ValidateToken(ctx context.Context, token string) error

	// EnsureContainer returns the id of the user's link container,
	// provisioning it (search-or-create) on first use. Repeated calls
	// return the same id and never create duplicates.
	EnsureContainer(ctx context.Context, token string) (string, error)

	// Push creates one record for a saved link in the container.
	Push(ctx context.Context, token, containerID string, record LinkRecord) error
}

// WorkspaceSyncer implements Syncer against the Notion REST client.
type WorkspaceSyncer struct {
	client         *Client
	containerTitle string
	logger         *slog.Logger
}

// NewWorkspaceSyncer creates a syncer. containerTitle defaults to
// DefaultContainerTitle when empty.
func NewWorkspaceSyncer(client *Client, containerTitle string, logger *slog.Logger) *WorkspaceSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	if containerTitle == "" {
		containerTitle = DefaultContainerTitle
	}
	return &WorkspaceSyncer{
		client:         client,
		containerTitle: containerTitle,
		logger:         logger.With("component", "notion_syncer"),
	}
}

func (s *WorkspaceSyncer) ValidateToken(ctx context.Context, token string) error {
	return s.client.Me(ctx, token)
}

// EnsureContainer is idempotent search-or-create: the search-first check is
// the concurrency-avoidance mechanism. A narrow duplicate-creation race
// under concurrent first-time provisioning is accepted.
func (s *WorkspaceSyncer) EnsureContainer(ctx context.Context, token string) (string, error) {
	databaseID, err := s.client.SearchByTitle(ctx, token, "database", s.containerTitle)
	if err != nil {
		return "", fmt.Errorf("container search failed: %w", err)
	}
	if databaseID != "" {
		s.logger.DebugContext(ctx, "Found existing link container", "database_id", databaseID)
		return databaseID, nil
	}

	pageID, err := s.client.SearchByTitle(ctx, token, "page", s.containerTitle)
	if err != nil {
		return "", fmt.Errorf("parent page search failed: %w", err)
	}
	if pageID == "" {
		return "", ErrNoParentPage
	}

	databaseID, err = s.client.CreateDatabase(ctx, token, pageID, s.containerTitle)
	if err != nil {
		return "", fmt.Errorf("container creation failed: %w", err)
	}
	s.logger.InfoContext(ctx, "Provisioned link container", "database_id", databaseID, "parent_page_id", pageID)
	return databaseID, nil
}

func (s *WorkspaceSyncer) Push(ctx context.Context, token, containerID string, record LinkRecord) error {
	if containerID == "" {
		return fmt.Errorf("container id is empty")
	}
	if err := s.client.CreatePage(ctx, token, containerID, record); err != nil {
		return fmt.Errorf("push to container failed: %w", err)
	}
	return nil
}
