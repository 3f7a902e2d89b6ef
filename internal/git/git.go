package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoRemote is returned when a repository has no remote of the requested name.
var ErrNoRemote = errors.New("remote not configured")

// Client provides the git operations used to reconcile a package folder
type Client interface {
	// IsRepository reports whether dir is the top level of a git work tree
	IsRepository(ctx context.Context, dir string) (bool, error)
	// Clone clones url into dir under the remote name remote, checking out
	// branch when it is non-empty
	Clone(ctx context.Context, url, dir, remote, branch string) error
	// RemoteURL returns the fetch URL of remote, or ErrNoRemote
	RemoteURL(ctx context.Context, dir, remote string) (string, error)
	// Fetch fetches remote; url is only used to select credentials
	Fetch(ctx context.Context, dir, remote, url string) error
	// DefaultBranch returns the branch remote advertises as its default
	DefaultBranch(ctx context.Context, dir, remote, url string) (string, error)
	// Merge merges remote/branch into the checked out branch
	Merge(ctx context.Context, dir, remote, branch string) error
	// UpdateSubmodules checks out nested repositories at their pinned revisions
	UpdateSubmodules(ctx context.Context, dir, url string) error
	// Head returns the commit hash HEAD points to
	Head(ctx context.Context, dir string) (string, error)
}

// CommandError describes a failed git invocation, including its output
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exited reports whether git ran and exited non-zero, as opposed to failing
// to start or being killed by a deadline.
func (e *CommandError) exited() bool {
	var exitErr *exec.ExitError
	return errors.As(e.Err, &exitErr)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	timeout        time.Duration
}

// NewShellClient creates a new git client that uses the git command.
// A positive timeout bounds every individual git invocation.
func NewShellClient(sshKeyFile, httpsTokenFile string, timeout time.Duration) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		timeout:        timeout,
	}
}

// IsRepository reports whether dir is the top level of a work tree. A
// directory nested inside some other repository is not one.
func (c *ShellClient) IsRepository(ctx context.Context, dir string) (bool, error) {
	top, err := c.run(ctx, "", "-C", dir, "rev-parse", "--show-toplevel")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.exited() {
			return false, nil
		}
		return false, err
	}

	want, err := canonicalPath(dir)
	if err != nil {
		return false, err
	}
	got, err := canonicalPath(top)
	if err != nil {
		return false, err
	}
	return want == got, nil
}

// Clone clones the repository, including its submodules. Parent
// directories created for the clone are removed again when it fails.
func (c *ShellClient) Clone(ctx context.Context, url, dir, remote, branch string) error {
	created, err := mkdirParents(filepath.Dir(dir))
	if err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	args := []string{"clone", "--recurse-submodules"}
	if remote != "" {
		args = append(args, "--origin", remote)
	}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, "--", url, dir)

	if _, err := c.run(ctx, url, args...); err != nil {
		for i := len(created) - 1; i >= 0; i-- {
			_ = os.Remove(created[i])
		}
		return err
	}
	return nil
}

// mkdirParents creates dir and any missing parents, returning the
// directories it created from the outermost down.
func mkdirParents(dir string) ([]string, error) {
	var missing []string
	for p := filepath.Clean(dir); ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			break
		}
		missing = append(missing, p)
		if filepath.Dir(p) == p {
			break
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	created := make([]string, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		created = append(created, missing[i])
	}
	return created, nil
}

// RemoteURL returns the configured fetch URL of remote
func (c *ShellClient) RemoteURL(ctx context.Context, dir, remote string) (string, error) {
	out, err := c.run(ctx, "", "-C", dir, "remote")
	if err != nil {
		return "", err
	}

	found := false
	for _, name := range strings.Fields(out) {
		if name == remote {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%q: %w", remote, ErrNoRemote)
	}

	return c.run(ctx, "", "-C", dir, "remote", "get-url", remote)
}

// Fetch fetches all branches of remote
func (c *ShellClient) Fetch(ctx context.Context, dir, remote, url string) error {
	_, err := c.run(ctx, url, "-C", dir, "fetch", "--prune", remote)
	return err
}

// DefaultBranch resolves the default branch of remote. It prefers the locally
// recorded remote HEAD while the branch it names still exists, then asks the
// remote, and finally falls back to the first remote-tracking branch.
func (c *ShellClient) DefaultBranch(ctx context.Context, dir, remote, url string) (string, error) {
	if ref, err := c.run(ctx, "", "-C", dir, "symbolic-ref", "--quiet", "--short", "refs/remotes/"+remote+"/HEAD"); err == nil && ref != "" {
		branch := strings.TrimPrefix(ref, remote+"/")
		if c.hasRemoteBranch(ctx, dir, remote, branch) {
			return branch, nil
		}
	}

	if out, err := c.run(ctx, url, "-C", dir, "ls-remote", "--symref", remote, "HEAD"); err == nil {
		if branch := parseSymref(out); branch != "" {
			// fetch --prune drops the old branch but leaves remote HEAD pointing at it
			if c.hasRemoteBranch(ctx, dir, remote, branch) {
				_, _ = c.run(ctx, "", "-C", dir, "remote", "set-head", remote, branch)
			}
			return branch, nil
		}
	}

	out, err := c.run(ctx, "", "-C", dir, "for-each-ref", "--format=%(refname:strip=3)", "refs/remotes/"+remote+"/")
	if err != nil {
		return "", err
	}
	for _, branch := range strings.Fields(out) {
		if branch != "HEAD" {
			return branch, nil
		}
	}
	return "", fmt.Errorf("remote %q advertises no branches", remote)
}

func (c *ShellClient) hasRemoteBranch(ctx context.Context, dir, remote, branch string) bool {
	_, err := c.run(ctx, "", "-C", dir, "rev-parse", "--verify", "--quiet", "refs/remotes/"+remote+"/"+branch)
	return err == nil
}

// Merge merges the remote-tracking branch into the current branch
func (c *ShellClient) Merge(ctx context.Context, dir, remote, branch string) error {
	_, err := c.run(ctx, "", "-C", dir, "merge", "--no-edit", "--no-stat", remote+"/"+branch)
	return err
}

// UpdateSubmodules initializes and updates submodules recursively
func (c *ShellClient) UpdateSubmodules(ctx context.Context, dir, url string) error {
	_, err := c.run(ctx, url, "-C", dir, "submodule", "update", "--init", "--recursive")
	return err
}

// Head returns the commit hash of HEAD
func (c *ShellClient) Head(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, "", "-C", dir, "rev-parse", "HEAD")
}

// parseSymref extracts the branch from `git ls-remote --symref` output, whose
// first line reads "ref: refs/heads/<branch>\tHEAD".
func parseSymref(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "ref: ") {
			continue
		}
		ref, _, _ := strings.Cut(strings.TrimPrefix(line, "ref: "), "\t")
		return strings.TrimPrefix(ref, "refs/heads/")
	}
	return ""
}

// run executes git with args and returns its trimmed stdout. A non-empty
// authURL enables credentials matching that URL's scheme.
func (c *ShellClient) run(ctx context.Context, authURL string, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if authURL != "" {
		if err := c.configureAuth(cmd, authURL); err != nil {
			return "", err
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", c.timeout, ctx.Err())
		}
		return "", &CommandError{
			Args:   args,
			Output: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && IsSSH(url) {
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && IsHTTPS(url) {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and a credential helper echoes
		// it back, so it never shows up in the argument list.
		cmd.Env = append(cmd.Env, "MODSYNC_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$MODSYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// IsHTTPS returns true if url uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if url uses SSH, either scp-style or ssh://
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}
