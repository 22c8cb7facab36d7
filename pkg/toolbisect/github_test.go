package toolbisect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type requestLog struct {
	mu       sync.Mutex
	requests []string
}

func (l *requestLog) add(uri string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, uri)
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.requests...)
}

func githubCommitJSON(i int) map[string]any {
	return map[string]any{
		"sha": fmt.Sprintf("c%d", i),
		"commit": map[string]any{
			"message": fmt.Sprintf("Auto merge of #%d\n\nDetails", i),
			"author":  map[string]any{"name": "bors"},
			"committer": map[string]any{
				"date": time.Date(2024, time.January, 1+i, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
			},
		},
	}
}

// githubServer serves a linear history of commits c0 (oldest) to c<n-1> (newest), pageSize commits per page.
// Hidden commits can be looked up but are left out of the listed pages, as if filtered by author.
func githubServer(t *testing.T, n, pageSize int, hidden ...int) (*httptest.Server, *requestLog) {
	requests := &requestLog{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.add(r.URL.RequestURI())

		if sha, ok := strings.CutPrefix(r.URL.Path, "/repos/rust-lang/rust/commits/"); ok {
			var i int
			if _, err := fmt.Sscanf(sha, "c%d", &i); err != nil || i >= n {
				w.WriteHeader(http.StatusUnprocessableEntity)
				return
			}
			json.NewEncoder(w).Encode(githubCommitJSON(i))
			return
		}
		if r.URL.Path != "/repos/rust-lang/rust/commits" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		sha := r.URL.Query().Get("sha")
		var head int
		if _, err := fmt.Sscanf(sha, "c%d", &head); err != nil || head >= n {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}

		commits := []map[string]any{}
		for i := head - (page-1)*pageSize; i >= 0 && i > head-page*pageSize; i-- {
			if !slices.Contains(hidden, i) {
				commits = append(commits, githubCommitJSON(i))
			}
		}
		if head-page*pageSize >= 0 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/rust-lang/rust/commits?sha=%s&page=%d>; rel="next", <%s/last>; rel="last"`, srv.URL, sha, page+1, srv.URL))
		}
		json.NewEncoder(w).Encode(commits)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func testGitHubHistory(srv *httptest.Server) *GitHubHistory {
	return &GitHubHistory{
		Owner:   "rust-lang",
		Repo:    "rust",
		BaseURL: srv.URL,
		Limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func TestGitHubHistory(t *testing.T) {
	t.Run("Commits are collected across pages", func(t *testing.T) {
		srv, requests := githubServer(t, 20, 4)

		commits, err := testGitHubHistory(srv).OrderedCommits(context.Background(), "c3", "c15")
		require.NoError(t, err, "OrderedCommits returned an error")

		require.Len(t, commits, 13, "Wrong amount of commits")
		for i, c := range commits {
			assert.Equal(t, fmt.Sprintf("c%d", i+3), c.Hash, "Commits are not ordered")
			assert.Equal(t, i, c.Position, "Wrong position")
		}
		assert.Equal(t, "Auto merge of #3", commits[0].Summary, "Wrong summary")
		assert.Equal(t, "bors", commits[0].Author, "Wrong author")
		assert.Equal(t, time.Date(2024, time.January, 16, 0, 0, 0, 0, time.UTC), commits[12].Date, "Wrong date")
		assert.Len(t, requests.all(), 5, "Wrong amount of requests")
	})

	t.Run("Author filter is sent", func(t *testing.T) {
		srv, requests := githubServer(t, 5, 10)
		history := testGitHubHistory(srv)
		history.Author = "bors"

		_, err := history.OrderedCommits(context.Background(), "c0", "c4")
		require.NoError(t, err)
		assert.Contains(t, requests.all()[1], "author=bors", "Author filter missing")
	})

	t.Run("Unknown end commit is a history error", func(t *testing.T) {
		srv, _ := githubServer(t, 5, 10)

		_, err := testGitHubHistory(srv).OrderedCommits(context.Background(), "c0", "c99")

		var historyErr *HistoryError
		assert.ErrorAs(t, err, &historyErr)
	})

	t.Run("Unknown start commit is a history error without paging", func(t *testing.T) {
		srv, requests := githubServer(t, 5, 2)

		_, err := testGitHubHistory(srv).OrderedCommits(context.Background(), "c9", "c4")

		var historyErr *HistoryError
		assert.ErrorAs(t, err, &historyErr)
		assert.Len(t, requests.all(), 1, "History was paged for an unknown start commit")
	})

	t.Run("Start commit which is no ancestor is a history error", func(t *testing.T) {
		srv, requests := githubServer(t, 10, 2)

		_, err := testGitHubHistory(srv).OrderedCommits(context.Background(), "c6", "c4")

		var historyErr *HistoryError
		assert.ErrorAs(t, err, &historyErr)
		assert.Len(t, requests.all(), 2, "Paging did not stop at commits older than the start commit")
	})

	t.Run("Start commit filtered by author is kept", func(t *testing.T) {
		srv, requests := githubServer(t, 10, 4, 2)
		history := testGitHubHistory(srv)
		history.Author = "bors"

		commits, err := history.OrderedCommits(context.Background(), "c2", "c8")
		require.NoError(t, err)

		require.Len(t, commits, 7, "Wrong amount of commits")
		assert.Equal(t, "c2", commits[0].Hash, "Start commit was not kept")
		assert.Equal(t, "c8", commits[6].Hash)
		assert.Equal(t, 6, commits[6].Position)
		assert.Len(t, requests.all(), 3, "Paging did not stop at commits older than the start commit")
	})

	t.Run("Page limit stops paging", func(t *testing.T) {
		srv, requests := githubServer(t, 20, 2)
		history := testGitHubHistory(srv)
		history.MaxPages = 2

		_, err := history.OrderedCommits(context.Background(), "c0", "c19")

		var historyErr *HistoryError
		assert.ErrorAs(t, err, &historyErr)
		assert.Len(t, requests.all(), 3, "Page limit was exceeded")
	})
}

func TestNextLink(t *testing.T) {
	values := []struct {
		header   string
		expected string
	}{
		{`<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=9>; rel="last"`, "https://api.github.com/x?page=2"},
		{`<https://api.github.com/x?page=1>; rel="prev", <https://api.github.com/x?page=3>; rel="next"`, "https://api.github.com/x?page=3"},
		{`<https://api.github.com/x?page=1>; rel="first"`, ""},
		{"", ""},
	}

	for _, v := range values {
		assert.Equal(t, v.expected, nextLink(v.header), "Wrong next link of %q", v.header)
	}
}
