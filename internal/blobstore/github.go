// Implements Backend on top of the GitHub repository contents API.

package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// GitHubOptions configures the GitHub backend.
type GitHubOptions struct {
	// APIURL defaults to https://api.github.com.
	APIURL string
	Owner  string
	Repo   string
	// Branch defaults to the repository's default branch.
	Branch         string
	CommitterName  string
	CommitterEmail string
	// Transport is the base HTTP transport; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// GitHub stores each document as a file in a GitHub repository. The integrity
// token is the file's blob sha, which the contents API verifies on update.
type GitHub struct {
	opts   GitHubOptions
	apiURL string
	client *http.Client
}

// NewGitHub returns a GitHub backend authenticated by ts. ts may be nil for
// public repositories, which are then read-only in practice.
func NewGitHub(opts GitHubOptions, ts oauth2.TokenSource) *GitHub {
	apiURL := strings.TrimSuffix(opts.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	var rt http.RoundTripper = base
	if ts != nil {
		rt = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, ts), Base: base}
	}
	return &GitHub{
		opts:   opts,
		apiURL: apiURL,
		client: &http.Client{Transport: rt, Timeout: 60 * time.Second},
	}
}

// Name implements Backend.
func (g *GitHub) Name() string { return "github" }

// Check verifies that the repository and branch are reachable with the
// configured credentials. The contents API answers 404 for a missing file, for
// a repository the token cannot see and for an unknown ref, so this must pass
// before a 404 on a document can be trusted to mean "not created yet".
func (g *GitHub) Check(ctx context.Context) error {
	repo := fmt.Sprintf("%s/repos/%s/%s", g.apiURL, url.PathEscape(g.opts.Owner), url.PathEscape(g.opts.Repo))
	if err := g.checkURL(ctx, repo, g.opts.Owner+"/"+g.opts.Repo); err != nil {
		return err
	}
	if g.opts.Branch == "" {
		return nil
	}
	return g.checkURL(ctx, repo+"/branches/"+url.PathEscape(g.opts.Branch), g.opts.Owner+"/"+g.opts.Repo+"@"+g.opts.Branch)
}

func (g *GitHub) checkURL(ctx context.Context, u, name string) error {
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &UnavailableError{Op: "check", Path: name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &UnavailableError{Op: "check", Path: name, Status: resp.StatusCode, Err: apiMessage(resp)}
	}
	return nil
}

type contentsResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
}

// Get implements Backend.
func (g *GitHub) Get(ctx context.Context, path string) ([]byte, string, error) {
	u := g.contentsURL(path)
	if g.opts.Branch != "" {
		u += "?ref=" + url.QueryEscape(g.opts.Branch)
	}
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", &UnavailableError{Op: "get", Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
	default:
		return nil, "", &UnavailableError{Op: "get", Path: path, Status: resp.StatusCode, Err: apiMessage(resp)}
	}

	var c contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, "", &UnavailableError{Op: "get", Path: path, Err: fmt.Errorf("decode contents: %w", err)}
	}
	if c.Type != "file" {
		return nil, "", &UnavailableError{Op: "get", Path: path, Err: fmt.Errorf("not a file: %q", c.Type)}
	}
	// Files above 1 MB come back without inline content.
	if c.Encoding != "base64" || (c.Content == "" && c.Size > 0) {
		data, err := g.getBlob(ctx, path, c.SHA)
		if err != nil {
			return nil, "", err
		}
		return data, c.SHA, nil
	}
	data, err := decodeBase64(c.Content)
	if err != nil {
		return nil, "", &UnavailableError{Op: "get", Path: path, Err: err}
	}
	return data, c.SHA, nil
}

func (g *GitHub) getBlob(ctx context.Context, path, sha string) ([]byte, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/git/blobs/%s", g.apiURL, url.PathEscape(g.opts.Owner), url.PathEscape(g.opts.Repo), url.PathEscape(sha))
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &UnavailableError{Op: "get blob", Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{Op: "get blob", Path: path, Status: resp.StatusCode, Err: apiMessage(resp)}
	}
	var b struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, &UnavailableError{Op: "get blob", Path: path, Err: fmt.Errorf("decode blob: %w", err)}
	}
	if b.Encoding != "base64" {
		return []byte(b.Content), nil
	}
	data, err := decodeBase64(b.Content)
	if err != nil {
		return nil, &UnavailableError{Op: "get blob", Path: path, Err: err}
	}
	return data, nil
}

type putRequest struct {
	Message   string     `json:"message"`
	Content   string     `json:"content"`
	SHA       string     `json:"sha,omitempty"`
	Branch    string     `json:"branch,omitempty"`
	Committer *signature `json:"committer,omitempty"`
}

type signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Put implements Backend.
func (g *GitHub) Put(ctx context.Context, path string, content []byte, token, message string) (string, error) {
	body := putRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     token,
		Branch:  g.opts.Branch,
	}
	if g.opts.CommitterName != "" && g.opts.CommitterEmail != "" {
		body.Committer = &signature{Name: g.opts.CommitterName, Email: g.opts.CommitterEmail}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	resp, err := g.do(ctx, http.MethodPut, g.contentsURL(path), data)
	if err != nil {
		return "", &UnavailableError{Op: "put", Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return "", &ConflictError{Path: path, Expected: token}
	case http.StatusUnprocessableEntity:
		// Creating a file that someone else just created answers 422
		// "sha wasn't supplied" rather than 409.
		msg := apiMessage(resp)
		if strings.Contains(msg.Error(), "sha") {
			return "", &ConflictError{Path: path, Expected: token}
		}
		return "", &UnavailableError{Op: "put", Path: path, Status: resp.StatusCode, Err: msg}
	default:
		return "", &UnavailableError{Op: "put", Path: path, Status: resp.StatusCode, Err: apiMessage(resp)}
	}
	var result struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// The commit landed; the token is derivable from what was sent.
		return ContentToken(content), nil
	}
	return result.Content.SHA, nil
}

// History implements Historian using the commits API.
func (g *GitHub) History(ctx context.Context, path string, n int) ([]Commit, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("per_page", strconv.Itoa(min(n, 100)))
	if g.opts.Branch != "" {
		q.Set("sha", g.opts.Branch)
	}
	u := fmt.Sprintf("%s/repos/%s/%s/commits?%s", g.apiURL, url.PathEscape(g.opts.Owner), url.PathEscape(g.opts.Repo), q.Encode())
	resp, err := g.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &UnavailableError{Op: "history", Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{Op: "history", Path: path, Status: resp.StatusCode, Err: apiMessage(resp)}
	}
	var result []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name  string    `json:"name"`
				Email string    `json:"email"`
				Date  time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &UnavailableError{Op: "history", Path: path, Err: fmt.Errorf("decode commits: %w", err)}
	}
	commits := make([]Commit, 0, len(result))
	for _, r := range result {
		subject, _, _ := strings.Cut(r.Commit.Message, "\n")
		commits = append(commits, Commit{
			Hash:    r.SHA,
			Message: subject,
			Author:  r.Commit.Author.Name,
			Email:   r.Commit.Author.Email,
			Date:    r.Commit.Author.Date,
		})
	}
	return commits, nil
}

func (g *GitHub) contentsURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.apiURL, url.PathEscape(g.opts.Owner), url.PathEscape(g.opts.Repo), strings.Join(segments, "/"))
}

func (g *GitHub) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "marketbff")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.client.Do(req)
}

// apiMessage extracts GitHub's error message from a failed response.
func apiMessage(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
		return fmt.Errorf("GitHub API: %s", e.Message)
	}
	return fmt.Errorf("GitHub API: %s", strings.TrimSpace(string(data)))
}

// decodeBase64 decodes the API's base64 which is wrapped at 60 columns.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 content: %w", err)
	}
	return data, nil
}
