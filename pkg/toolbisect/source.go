package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dchest/uniuri"
	"github.com/opencontainers/go-digest"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// A Request identifies the archive of one toolchain component
type Request struct {
	Commit    string // The commit the component was built from
	Component string // The name of the component
	Triple    string // The target triple
}

// expand substitutes the request's fields into a location template
func (r Request) expand(template string) string {
	return strings.NewReplacer(
		"{commit}", r.Commit,
		"{component}", r.Component,
		"{triple}", r.Triple,
	).Replace(template)
}

func (r Request) String() string {
	return fmt.Sprintf("%s-%s@%s", r.Component, r.Triple, r.Commit)
}

// A Location is where an artifact source found an archive
type Location struct {
	URI string // The location of the archive, in a format specific to the source
	Ext string // The archive extension, e.g. .tar.xz
}

// Fetched describes a downloaded archive
type Fetched struct {
	Path   string
	Size   int64
	Digest digest.Digest
}

// An ArtifactSource is a remote store of prebuilt toolchain archives, keyed by commit
type ArtifactSource interface {
	// Lookup returns the location of the requested archive, or ErrArtifactNotFound if the source has none.
	Lookup(ctx context.Context, req Request) (Location, error)
	// Fetch downloads the archive at the passed location to dest. Fetching is idempotent and safe to retry.
	Fetch(ctx context.Context, loc Location, dest string) (Fetched, error)
}

// DefaultURLs are the locations rust CI published its builds to
var DefaultURLs = []string{
	"https://ci-artifacts.rust-lang.org/rustc-builds/{commit}/{component}-nightly-{triple}.tar.xz",
	"https://ci-artifacts.rust-lang.org/rustc-builds/{commit}/{component}-nightly-{triple}.tar.gz",
	"https://ci-artifacts.rust-lang.org/rustc-builds-alt/{commit}/{component}-nightly-{triple}.tar.xz",
}

// HTTPSource downloads artifacts over HTTP.
// Every URL template is probed in order, the first one that exists is used.
type HTTPSource struct {
	URLs []string // URL templates containing the {commit}, {component} and {triple} placeholders

	Client *http.Client // Defaults to http.DefaultClient

	// NewBackOff returns the backoff used for retrying failed requests. Defaults to an exponential backoff capped at one minute.
	NewBackOff func() backoff.BackOff

	Log *logrus.Entry

	initOnce sync.Once
	lookups  *cache.Cache
}

// errServer is returned for 5xx responses, which get retried
var errServer = errors.New("server error")

// Lookup probes the URL templates for the requested archive using HEAD requests.
// Results are remembered for a few minutes, as bisection frequently revisits neighbouring commits.
func (s *HTTPSource) Lookup(ctx context.Context, req Request) (Location, error) {
	s.init()
	if loc, found := s.lookups.Get(req.String()); found {
		return loc.(Location), nil
	}

	var networkErr error
	for _, template := range s.URLs {
		u := req.expand(template)

		var status int
		err := s.retry(ctx, func() error {
			res, err := s.do(ctx, http.MethodHead, u)
			if err != nil {
				return err
			}
			res.Body.Close()
			status = res.StatusCode
			if status >= 500 {
				return errServer
			}
			return nil
		})
		if err != nil {
			s.Log.Debugf("Lookup of %s failed - %v", u, err)
			networkErr = errors.Join(networkErr, fmt.Errorf("%s: %w", u, err))
			continue
		}
		switch {
		case status >= 200 && status < 300:
			loc := Location{URI: u, Ext: archiveExtension(u)}
			s.lookups.SetDefault(req.String(), loc)
			return loc, nil
		case status == http.StatusNotFound || status == http.StatusForbidden || status == http.StatusGone:
			s.Log.Debugf("No artifact at %s (status %d)", u, status)
		default:
			networkErr = errors.Join(networkErr, fmt.Errorf("%s: unexpected status %d", u, status))
		}
	}

	if networkErr != nil {
		return Location{}, errors.Join(fmt.Errorf("lookup of %s failed", req), networkErr)
	}
	return Location{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, req)
}

// Fetch downloads the archive to dest, retrying on transport failures and server errors.
// The archive is written to a temporary file first, so an interrupted download never leaves a partial archive at dest.
func (s *HTTPSource) Fetch(ctx context.Context, loc Location, dest string) (Fetched, error) {
	s.init()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return Fetched{}, err
	}
	tmp := dest + ".part-" + uniuri.NewLen(8)
	defer os.Remove(tmp)

	var fetched Fetched
	err := s.retry(ctx, func() error {
		res, err := s.do(ctx, http.MethodGet, loc.URI)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		switch {
		case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusGone:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrArtifactNotFound, loc.URI))
		case res.StatusCode >= 500:
			return errServer
		case res.StatusCode < 200 || res.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("download of %s returned status %d", loc.URI, res.StatusCode))
		}

		fetched, err = writeDigested(tmp, res.Body)
		return err
	})
	if err != nil {
		return Fetched{}, errors.Join(fmt.Errorf("download of %s failed", loc.URI), err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return Fetched{}, err
	}
	fetched.Path = dest
	return fetched, nil
}

func (s *HTTPSource) init() {
	s.initOnce.Do(s.setDefaults)
}

func (s *HTTPSource) setDefaults() {
	if s.Client == nil {
		s.Client = http.DefaultClient
	}
	if len(s.URLs) == 0 {
		s.URLs = DefaultURLs
	}
	if s.NewBackOff == nil {
		s.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = time.Minute
			return b
		}
	}
	if s.Log == nil {
		s.Log = mutedLog()
	}
	s.lookups = cache.New(5*time.Minute, 10*time.Minute)
}

func (s *HTTPSource) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return s.Client.Do(req)
}

func (s *HTTPSource) retry(ctx context.Context, op backoff.Operation) error {
	return backoff.RetryNotify(op, backoff.WithContext(s.NewBackOff(), ctx), func(err error, wait time.Duration) {
		s.Log.Warnf("Request failed, retrying in %s - %v", wait, err)
	})
}

// writeDigested writes r to path, computing the digest and size of the written content
func writeDigested(path string, r io.Reader) (Fetched, error) {
	f, err := os.Create(path)
	if err != nil {
		return Fetched{}, err
	}
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), r)
	if err != nil {
		f.Close()
		return Fetched{}, err
	}
	if err := f.Close(); err != nil {
		return Fetched{}, err
	}
	return Fetched{Path: path, Size: n, Digest: digester.Digest()}, nil
}
