// Implements Backend on a local git repository using go-git (pure Go, no git binary dependency).

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitRepoOptions configures the local git backend.
type GitRepoOptions struct {
	Dir         string
	AuthorName  string
	AuthorEmail string
	// Remote, when set, is pushed to after every commit. Credentials may be
	// embedded in the URL, see InjectTokenInURL.
	Remote string
}

// GitRepo stores each document as a file committed to a local repository.
// Documents are read from HEAD, never from the working tree, so a write that
// failed half way is invisible. The integrity token is the file's blob hash.
type GitRepo struct {
	dir    string
	name   string
	email  string
	remote string
	repo   *gogit.Repository
	mu     sync.Mutex
}

// OpenGitRepo opens the repository in opts.Dir, initializing it if needed.
func OpenGitRepo(opts GitRepoOptions) (*GitRepo, error) {
	if opts.AuthorName == "" {
		opts.AuthorName = "marketbff"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "marketbff@localhost"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}

	repo, err := gogit.PlainOpen(opts.Dir)
	if err != nil {
		// Not a repo yet, initialize.
		repo, err = gogit.PlainInit(opts.Dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = opts.AuthorName
		cfg.User.Email = opts.AuthorEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}

	r := &GitRepo{
		dir:    opts.Dir,
		name:   opts.AuthorName,
		email:  opts.AuthorEmail,
		remote: opts.Remote,
		repo:   repo,
	}
	if opts.Remote != "" {
		if err := r.setRemote("origin", opts.Remote); err != nil {
			return nil, fmt.Errorf("failed to configure remote: %w", err)
		}
	}
	return r, nil
}

// Name implements Backend.
func (r *GitRepo) Name() string { return "git" }

// Get implements Backend.
func (r *GitRepo) Get(ctx context.Context, path string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headFile(path)
}

// Put implements Backend.
func (r *GitRepo) Put(ctx context.Context, path string, content []byte, token, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, current, err := r.headFile(path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if current != token {
		return "", &ConflictError{Path: path, Expected: token, Current: current}
	}
	newToken := plumbing.ComputeHash(plumbing.BlobObject, content).String()
	if newToken == current {
		return current, nil
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	// The commit carries path only, whatever an earlier failed write staged.
	if err := r.resetIndex(w); err != nil {
		return "", err
	}
	full := filepath.Join(r.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil { //nolint:gosec // G301: see OpenGitRepo
		return "", fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil { //nolint:gosec // G306: documents are not secret
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := w.Add(path); err != nil {
		r.restore(ctx, w, full, prev, current != "")
		return "", fmt.Errorf("failed to stage %s: %w", path, err)
	}
	now := time.Now()
	sig := &object.Signature{Name: r.name, Email: r.email, When: now}
	if _, err := w.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		r.restore(ctx, w, full, prev, current != "")
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	if r.remote != "" {
		if err := r.push(ctx); err != nil {
			// The commit is durable locally; the next push carries it along.
			slog.WarnContext(ctx, "Failed to push to remote", "path", path, "err", err)
		}
	}
	return newToken, nil
}

// History implements Historian.
func (r *GitRepo) History(_ context.Context, path string, n int) ([]Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts := &gogit.LogOptions{}
	if path != "" && path != "." {
		opts.FileName = &path
	}
	iter, err := r.repo.Log(opts)
	if err != nil {
		return nil, nil // no commits yet is not an error
	}
	defer iter.Close()

	var commits []Commit
	for range n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, Commit{
			Hash:    c.Hash.String(),
			Message: subject,
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			Date:    c.Author.When,
		})
	}
	return commits, nil
}

// resetIndex makes the index match HEAD, or empties it before the first
// commit.
func (r *GitRepo) resetIndex(w *gogit.Worktree) error {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		if err := r.repo.Storer.SetIndex(&index.Index{Version: 2}); err != nil {
			return fmt.Errorf("failed to clear index: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if err := w.Reset(&gogit.ResetOptions{Commit: ref.Hash(), Mode: gogit.MixedReset}); err != nil {
		return fmt.Errorf("failed to reset index: %w", err)
	}
	return nil
}

// restore undoes an uncommitted write of full: the index goes back to HEAD and
// the file to its HEAD content.
func (r *GitRepo) restore(ctx context.Context, w *gogit.Worktree, full string, prev []byte, existed bool) {
	if err := r.resetIndex(w); err != nil {
		slog.WarnContext(ctx, "Failed to reset index", "err", err)
	}
	var err error
	if existed {
		err = os.WriteFile(full, prev, 0o644) //nolint:gosec // G306: documents are not secret
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to restore document", "file", full, "err", err)
	}
}

// headFile returns the content and blob hash of path at HEAD.
func (r *GitRepo) headFile(path string) ([]byte, string, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, "", fmt.Errorf("failed to get commit: %w", err)
	}
	f, err := c.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to get file at HEAD: %w", err)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return []byte(contents), f.Hash.String(), nil
}

// setRemote adds or updates a remote in the repository.
func (r *GitRepo) setRemote(name, url string) error {
	if _, err := r.repo.Remote(name); err == nil {
		// go-git has no set-url: delete and re-create.
		if err := r.repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("failed to update remote: %w", err)
		}
	}
	_, err := r.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
	return err
}

func (r *GitRepo) push(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	ref, err := r.repo.Head()
	if err != nil {
		return err
	}
	branch := ref.Name().Short()
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = r.repo.PushContext(ctx, &gogit.PushOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{refSpec}})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// InjectTokenInURL injects an authentication token into a git remote URL.
// Supports GitHub (x-access-token) and GitLab (oauth2) URL patterns.
func InjectTokenInURL(remoteURL, token string) string {
	if token == "" {
		return remoteURL
	}
	switch {
	case strings.HasPrefix(remoteURL, "https://github.com"):
		return strings.Replace(remoteURL, "https://github.com", fmt.Sprintf("https://x-access-token:%s@github.com", token), 1)
	case strings.HasPrefix(remoteURL, "https://gitlab.com"):
		return strings.Replace(remoteURL, "https://gitlab.com", fmt.Sprintf("https://oauth2:%s@gitlab.com", token), 1)
	default:
		return remoteURL
	}
}
