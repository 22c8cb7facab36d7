package toolbisect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubHistory reads the commit history through the GitHub REST API.
// This avoids cloning large repositories, at the cost of only supporting linear histories as reported by the API.
type GitHubHistory struct {
	Owner string // The owner of the repository, e.g. rust-lang
	Repo  string // The name of the repository, e.g. rust

	Author string // If not empty, only commits by this author are requested, e.g. the merge bot
	Token  string // An optional API token

	BaseURL string       // The API root, defaults to https://api.github.com
	Client  *http.Client // The client to use, defaults to http.DefaultClient

	Limiter *rate.Limiter // Limits the request rate. Defaults to one request per 100ms

	MaxPages int // The maximum amount of pages to request before giving up, or 0 if no limit

	Log *logrus.Entry
}

type githubCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
		Committer struct {
			Date time.Time `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

// OrderedCommits resolves start, then pages through the commits reachable from end, newest first, until start is found.
// Paging stops early at the first commit older than start.
// With an author filter start itself may not be listed, in which case it is kept as the oldest commit once paging passed it.
func (g *GitHubHistory) OrderedCommits(ctx context.Context, start, end string) ([]Commit, error) {
	g.init()

	base := fmt.Sprintf("%s/repos/%s/%s/commits", strings.TrimRight(g.BaseURL, "/"), g.Owner, g.Repo)

	var startCommit githubCommit
	if _, err := g.request(ctx, base+"/"+url.PathEscape(start), &startCommit); err != nil {
		if isUnresolvable(err) {
			return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("cannot resolve start commit %s", start), Err: err}
		}
		return nil, err
	}

	query := url.Values{}
	query.Set("sha", end)
	query.Set("per_page", "100")
	if g.Author != "" {
		query.Set("author", g.Author)
	}
	next := base + "?" + query.Encode()

	var newestFirst []githubCommit
	for page := 1; next != ""; page++ {
		if g.MaxPages > 0 && page > g.MaxPages {
			return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("start commit %s not found within %d pages", start, g.MaxPages)}
		}
		var commits []githubCommit
		link, err := g.request(ctx, next, &commits)
		if err != nil {
			if isUnresolvable(err) {
				return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("cannot resolve end commit %s", end), Err: err}
			}
			return nil, err
		}
		if page == 1 && len(commits) == 0 {
			return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("no commits reachable from %s", end)}
		}
		for _, c := range commits {
			if c.SHA == startCommit.SHA {
				return reverseGitHubCommits(append(newestFirst, c), start, end)
			}
			if c.Commit.Committer.Date.Before(startCommit.Commit.Committer.Date) {
				return g.passedStart(newestFirst, startCommit, start, end)
			}
			newestFirst = append(newestFirst, c)
		}
		next = link
	}

	return g.passedStart(newestFirst, startCommit, start, end)
}

// passedStart handles paging having gone past start without listing it
func (g *GitHubHistory) passedStart(newestFirst []githubCommit, startCommit githubCommit, start, end string) ([]Commit, error) {
	if g.Author != "" && len(newestFirst) > 0 {
		g.Log.Debugf("Start commit %s is not authored by %s, keeping it as the oldest commit", start, g.Author)
		return reverseGitHubCommits(append(newestFirst, startCommit), start, end)
	}
	return nil, &HistoryError{Start: start, End: end, Msg: fmt.Sprintf("start commit %s is not an ancestor of %s", start, end)}
}

func (g *GitHubHistory) init() {
	if g.BaseURL == "" {
		g.BaseURL = defaultGitHubAPI
	}
	if g.Client == nil {
		g.Client = http.DefaultClient
	}
	if g.Limiter == nil {
		g.Limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	}
	if g.Log == nil {
		g.Log = mutedLog()
	}
}

type githubStatusError struct {
	url  string
	code int
}

func (e *githubStatusError) Error() string {
	return fmt.Sprintf("GitHub API request to %s returned status %d", e.url, e.code)
}

// isUnresolvable reports whether the API rejected a commit as unknown
func isUnresolvable(err error) bool {
	var statusErr *githubStatusError
	return errors.As(err, &statusErr) && (statusErr.code == http.StatusNotFound || statusErr.code == http.StatusUnprocessableEntity)
}

// request performs a single API request, decodes the response into v and returns the link to the next page, if any
func (g *GitHubHistory) request(ctx context.Context, u string, v any) (string, error) {
	if err := g.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	g.Log.Infof("Requesting %s", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.Token != "" {
		req.Header.Set("Authorization", "token "+g.Token)
	}

	res, err := g.Client.Do(req)
	if err != nil {
		return "", errors.Join(fmt.Errorf("API request to %s failed", u), err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", &githubStatusError{url: u, code: res.StatusCode}
	}

	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return "", errors.Join(fmt.Errorf("API response of %s could not be decoded", u), err)
	}

	return nextLink(res.Header.Get("Link")), nil
}

// nextLink extracts the rel="next" URL of a Link header
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start, end := strings.Index(part, "<"), strings.Index(part, ">")
		if start < 0 || end < start {
			continue
		}
		return part[start+1 : end]
	}
	return ""
}

func reverseGitHubCommits(newestFirst []githubCommit, start, end string) ([]Commit, error) {
	if len(newestFirst) < 2 {
		return nil, &HistoryError{Start: start, End: end, Msg: "start and end are the same commit"}
	}
	commits := make([]Commit, len(newestFirst))
	for i, c := range newestFirst {
		summary, _, _ := strings.Cut(c.Commit.Message, "\n")
		commits[len(newestFirst)-1-i] = Commit{
			Hash:    c.SHA,
			Date:    c.Commit.Committer.Date.UTC(),
			Author:  c.Commit.Author.Name,
			Summary: summary,
		}
	}
	for i := range commits {
		commits[i].Position = i
	}
	return commits, nil
}
