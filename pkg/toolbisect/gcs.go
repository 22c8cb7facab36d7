package toolbisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/dchest/uniuri"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GCSSource downloads artifacts from a Google Cloud Storage bucket.
type GCSSource struct {
	Bucket  string   // The bucket holding the artifacts
	Objects []string // Object name templates containing the {commit}, {component} and {triple} placeholders

	client *storage.Client
	log    *logrus.Entry
}

// NewGCSSource creates a source reading from the passed bucket.
// If anonymous is set, no credentials are used, which is required for public buckets when no credentials are configured.
func NewGCSSource(ctx context.Context, bucket string, objects []string, anonymous bool, log *logrus.Entry) (*GCSSource, error) {
	var opts []option.ClientOption
	if anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create storage client"), err)
	}
	if log == nil {
		log = mutedLog()
	}
	return &GCSSource{
		Bucket:  bucket,
		Objects: objects,
		client:  client,
		log:     log,
	}, nil
}

// Lookup returns the first object template which exists for the passed request
func (s *GCSSource) Lookup(ctx context.Context, req Request) (Location, error) {
	for _, template := range s.Objects {
		name := req.expand(template)
		attrs, err := s.client.Bucket(s.Bucket).Object(name).Attrs(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			s.log.Debugf("No artifact at gs://%s/%s", s.Bucket, name)
			continue
		} else if err != nil {
			return Location{}, errors.Join(fmt.Errorf("failed to get attributes of gs://%s/%s", s.Bucket, name), err)
		}
		return Location{URI: fmt.Sprintf("gs://%s/%s", s.Bucket, attrs.Name), Ext: archiveExtension(name)}, nil
	}
	return Location{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, req)
}

// Fetch downloads the object at the passed location to dest
func (s *GCSSource) Fetch(ctx context.Context, loc Location, dest string) (Fetched, error) {
	bucket, name, ok := strings.Cut(strings.TrimPrefix(loc.URI, "gs://"), "/")
	if !ok {
		return Fetched{}, fmt.Errorf("invalid location %s", loc.URI)
	}

	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Fetched{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, loc.URI)
	} else if err != nil {
		return Fetched{}, errors.Join(fmt.Errorf("failed to read %s", loc.URI), err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return Fetched{}, err
	}
	tmp := dest + ".part-" + uniuri.NewLen(8)
	defer os.Remove(tmp)

	fetched, err := writeDigested(tmp, r)
	if err != nil {
		return Fetched{}, errors.Join(fmt.Errorf("download of %s failed", loc.URI), err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return Fetched{}, err
	}
	fetched.Path = dest
	return fetched, nil
}

// Close closes the underlying storage client
func (s *GCSSource) Close() error {
	return s.client.Close()
}
