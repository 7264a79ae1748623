package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/logging"
)

// Workspace is an isolated clone in which one story's work happens. Each
// story gets its own clone so concurrent stories never share a work tree.
type Workspace struct {
	ID         string
	Path       string
	Repository string
	Branch     string
}

// WorkspaceManager provisions and removes story workspaces under a root
// directory.
type WorkspaceManager struct {
	root   string
	client *Client
	logger *logging.Logger
}

// NewWorkspaceManager creates a manager rooted at root.
func NewWorkspaceManager(root string, client *Client, logger *logging.Logger) *WorkspaceManager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &WorkspaceManager{root: root, client: client, logger: logger}
}

// Provision clones source into a fresh directory and checks out a new
// branch from base. The label (typically a story ID) is sanitized into the
// directory name; a uuid suffix keeps retries from colliding.
func (m *WorkspaceManager) Provision(ctx context.Context, source, label, branch, base string) (*Workspace, error) {
	if source == "" {
		return nil, errors.NewValidationError("workspace", "source repository is required")
	}
	if branch == "" {
		return nil, errors.NewValidationError("workspace", "branch name is required")
	}

	id := fmt.Sprintf("%s-%s", sanitizeLabel(label), uuid.NewString()[:8])
	path := filepath.Join(m.root, id)
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	netCtx, cancel := m.client.networkContext(ctx)
	output, err := m.client.executor.Run(netCtx, m.root, "git", "clone", source, path)
	cancel()
	if err != nil {
		return nil, errors.NewGitError("failed to clone workspace", err).
			WithRepository(source).
			WithGitOutput(string(output))
	}

	if err := m.client.CreateBranch(ctx, path, branch, base); err != nil {
		// Half-provisioned clones are useless; remove before reporting.
		_ = os.RemoveAll(path)
		return nil, err
	}

	m.logger.Debug("workspace provisioned", "id", id, "path", path, "branch", branch)
	return &Workspace{ID: id, Path: path, Repository: source, Branch: branch}, nil
}

// Remove deletes a workspace directory. Called only after the story's
// branch has been pushed or merged; failures are surfaced so the caller
// can log them as warnings.
func (m *WorkspaceManager) Remove(ws *Workspace) error {
	if ws == nil || ws.Path == "" {
		return nil
	}
	// Refuse to remove anything outside our root.
	rel, err := filepath.Rel(m.root, ws.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("workspace path %s is outside root %s", ws.Path, m.root)
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	m.logger.Debug("workspace removed", "id", ws.ID, "path", ws.Path)
	return nil
}

// sanitizeLabel converts a label into a safe directory name fragment.
func sanitizeLabel(label string) string {
	if label == "" {
		return "workspace"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "workspace"
	}
	return out
}
