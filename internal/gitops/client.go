package gitops

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/devwspito/armada/internal/errors"
	"github.com/devwspito/armada/internal/logging"
)

// pushAttempts bounds the push retry loop. The final attempt falls back to
// --force-with-lease when the remote rejected a plain push.
const pushAttempts = 3

// Client provides git operations against working copies. A single Client
// is safe for concurrent use; each method operates on the path it is given.
type Client struct {
	executor       CommandExecutor
	logger         *logging.Logger
	networkTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithExecutor replaces the CLI executor, primarily for tests.
func WithExecutor(executor CommandExecutor) Option {
	return func(c *Client) { c.executor = executor }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithNetworkTimeout bounds fetch, push, clone and ls-remote operations.
func WithNetworkTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.networkTimeout = timeout }
}

// NewClient creates a git client with the CLI executor and a 120s network
// timeout unless overridden.
func NewClient(opts ...Option) *Client {
	c := &Client{
		executor:       NewCLICommandExecutor(),
		logger:         logging.NopLogger(),
		networkTimeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// networkContext derives a context bounded by the network timeout.
func (c *Client) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.networkTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.networkTimeout)
}

// run executes git with the given args in path.
func (c *Client) run(ctx context.Context, path string, args ...string) ([]byte, error) {
	return c.executor.Run(ctx, path, "git", args...)
}

// -----------------------------------------------------------------------------
// Repository state
// -----------------------------------------------------------------------------

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := c.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve current branch", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// HasUncommittedChanges returns true if the work tree is dirty.
func (c *Client) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	output, err := c.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// CommitsBetween returns commit SHAs reachable from head but not base,
// oldest first.
func (c *Client) CommitsBetween(ctx context.Context, path, base, head string) ([]string, error) {
	output, err := c.run(ctx, path, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, errors.NewGitError("failed to list commits between branches", err).
			WithRepository(path).
			WithBranch(base + ".." + head).
			WithGitOutput(string(output))
	}
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// CountCommitsBetween returns the number of commits on head beyond base.
func (c *Client) CountCommitsBetween(ctx context.Context, path, base, head string) (int, error) {
	output, err := c.run(ctx, path, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, errors.NewGitError("failed to count commits between branches", err).
			WithRepository(path).
			WithBranch(base + ".." + head).
			WithGitOutput(string(output))
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, errors.NewGitError("failed to parse commit count", err).
			WithRepository(path)
	}
	return count, nil
}

// HasCommitsBeyond returns true if HEAD has commits beyond base.
func (c *Client) HasCommitsBeyond(ctx context.Context, path, base string) (bool, error) {
	count, err := c.CountCommitsBetween(ctx, path, base, "HEAD")
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// -----------------------------------------------------------------------------
// Branches
// -----------------------------------------------------------------------------

// CreateBranch creates and checks out a new branch from base. Returns
// errors.ErrBranchExists if the branch already exists locally.
func (c *Client) CreateBranch(ctx context.Context, path, branch, base string) error {
	if exists, err := c.LocalBranchExists(ctx, path, branch); err != nil {
		return err
	} else if exists {
		return errors.NewGitError("branch "+branch+" already exists", errors.ErrBranchExists).
			WithRepository(path).
			WithBranch(branch)
	}
	output, err := c.run(ctx, path, "checkout", "-b", branch, base)
	if err != nil {
		return errors.NewGitError("failed to create branch", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// Checkout switches the work tree to an existing branch.
func (c *Client) Checkout(ctx context.Context, path, branch string) error {
	output, err := c.run(ctx, path, "checkout", branch)
	if err != nil {
		if strings.Contains(string(output), "did not match any") {
			return errors.NewGitError("branch "+branch+" not found", errors.ErrBranchNotFound).
				WithRepository(path).
				WithBranch(branch)
		}
		return errors.NewGitError("failed to checkout branch", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// LocalBranchExists reports whether branch exists in the local repository.
func (c *Client) LocalBranchExists(ctx context.Context, path, branch string) (bool, error) {
	_, err := c.run(ctx, path, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(interface{ ExitCode() int }); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	// show-ref exits 1 for a missing ref without useful stderr; any other
	// failure mode still reads as "not found" for our purposes.
	return false, nil
}

// RemoteBranchExists checks the remote for branch via ls-remote.
func (c *Client) RemoteBranchExists(ctx context.Context, path, branch string) (bool, error) {
	netCtx, cancel := c.networkContext(ctx)
	defer cancel()
	output, err := c.run(netCtx, path, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, errors.NewGitError("failed to query remote branches", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// DeleteBranch removes a branch locally and, when remote is true, on
// origin too. Used only for cleanup after a successful merge.
func (c *Client) DeleteBranch(ctx context.Context, path, branch string, remote bool) error {
	output, err := c.run(ctx, path, "branch", "-D", branch)
	if err != nil {
		return errors.NewGitError("failed to delete local branch", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	if !remote {
		return nil
	}
	netCtx, cancel := c.networkContext(ctx)
	defer cancel()
	output, err = c.run(netCtx, path, "push", "origin", "--delete", branch)
	if err != nil {
		return errors.NewGitError("failed to delete remote branch", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Commits and pushes
// -----------------------------------------------------------------------------

// CommitAll stages and commits all changes with the given message.
// Returns nil if there is nothing to commit.
func (c *Client) CommitAll(ctx context.Context, path, message string) error {
	output, err := c.run(ctx, path, "add", "-A")
	if err != nil {
		return errors.NewGitError("failed to stage changes", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	output, err = c.run(ctx, path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return nil
		}
		return errors.NewGitError("failed to commit changes", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	return nil
}

// Fetch updates the named ref from origin.
func (c *Client) Fetch(ctx context.Context, path, ref string) error {
	netCtx, cancel := c.networkContext(ctx)
	defer cancel()
	output, err := c.run(netCtx, path, "fetch", "origin", ref)
	if err != nil {
		return errors.NewGitError("failed to fetch origin/"+ref, err).
			WithRepository(path).
			WithBranch(ref).
			WithGitOutput(string(output))
	}
	return nil
}

// Push pushes the current branch to origin, setting the upstream. Plain
// pushes are retried; a non-fast-forward rejection falls back to
// --force-with-lease, which refuses to clobber work pushed by anyone else.
func (c *Client) Push(ctx context.Context, path string) error {
	var lastErr error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		args := []string{"push", "-u", "origin", "HEAD"}
		if attempt == pushAttempts {
			args = append(args, "--force-with-lease")
		}

		netCtx, cancel := c.networkContext(ctx)
		output, err := c.run(netCtx, path, args...)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = errors.NewGitError("failed to push", err).
			WithRepository(path).
			WithGitOutput(string(output))
		c.logger.Warn("push failed",
			"path", path, "attempt", attempt, "error", err, "output", strings.TrimSpace(string(output)))

		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// -----------------------------------------------------------------------------
// Merges
// -----------------------------------------------------------------------------

// Merge merges branch into the currently checked-out branch with --no-ff
// so every story lands as an explicit merge commit. On conflict the merge
// is left in progress (state inspectable via ConflictedFiles) and the
// returned error matches errors.ErrMergeConflict.
func (c *Client) Merge(ctx context.Context, path, branch, message string) error {
	output, err := c.run(ctx, path, "merge", "--no-ff", branch, "-m", message)
	if err != nil {
		outputStr := string(output)
		if strings.Contains(outputStr, "CONFLICT") || strings.Contains(outputStr, "Automatic merge failed") {
			return errors.NewGitError("merge conflicts in "+branch, errors.ErrMergeConflict).
				WithRepository(path).
				WithBranch(branch).
				WithGitOutput(outputStr)
		}
		return errors.NewGitError("failed to merge branch", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(outputStr)
	}
	return nil
}

// AbortMerge aborts an in-progress merge, restoring the pre-merge state.
func (c *Client) AbortMerge(ctx context.Context, path string) error {
	output, err := c.run(ctx, path, "merge", "--abort")
	if err != nil {
		return errors.NewGitError("failed to abort merge", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	return nil
}

// ConflictedFiles lists paths with unresolved conflicts in the current
// merge.
func (c *Client) ConflictedFiles(ctx context.Context, path string) ([]string, error) {
	output, err := c.run(ctx, path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicted files", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// StageFile stages a single resolved file during conflict resolution.
func (c *Client) StageFile(ctx context.Context, path, file string) error {
	output, err := c.run(ctx, path, "add", "--", file)
	if err != nil {
		return errors.NewGitError("failed to stage resolved file", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	return nil
}

// CommitMerge concludes an in-progress merge with the given message.
func (c *Client) CommitMerge(ctx context.Context, path, message string) error {
	output, err := c.run(ctx, path, "commit", "--no-edit", "-m", message)
	if err != nil {
		return errors.NewGitError("failed to commit merge", err).
			WithRepository(path).
			WithGitOutput(string(output))
	}
	return nil
}
