package seed

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	getter "github.com/hashicorp/go-getter"

	"supertask/internal/errors"
)

// ObjectGetter is the subset of the S3 client used to fetch timetables.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher reads seed documents from local files, S3 and anything go-getter
// understands (http, https, git::, gcs::, ...).
type Fetcher struct {
	s3      ObjectGetter
	getters map[string]getter.Getter
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithS3 uses client for s3:// locations instead of one built from the
// default AWS configuration.
func WithS3(client ObjectGetter) FetcherOption {
	return func(f *Fetcher) { f.s3 = client }
}

// WithGetters replaces go-getter's default protocol table.
func WithGetters(getters map[string]getter.Getter) FetcherOption {
	return func(f *Fetcher) { f.getters = getters }
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{getters: getter.Getters}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// LocalPath returns the filesystem path of a local location.
func LocalPath(location string) (string, bool) {
	if strings.HasPrefix(location, "file://") {
		u, err := url.Parse(location)
		if err != nil {
			return "", false
		}
		return filepath.FromSlash(u.Path), true
	}
	if strings.Contains(location, "://") || strings.Contains(location, "::") {
		return "", false
	}
	return location, true
}

// Canonical returns the stable form of location recorded as job origin.
// Local paths become absolute.
func Canonical(location string) string {
	location = strings.TrimSpace(location)
	if p, ok := LocalPath(location); ok {
		if abs, err := filepath.Abs(p); err == nil {
			return filepath.Clean(abs)
		}
		return p
	}
	return location
}

// Fetch returns the raw document at location. All failures are marked
// ErrSeedSourceUnreachable.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	data, err := f.fetch(ctx, location)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "fetch %s", location), errors.ErrSeedSourceUnreachable)
	}
	return data, nil
}

func (f *Fetcher) fetch(ctx context.Context, location string) ([]byte, error) {
	if p, ok := LocalPath(location); ok {
		return os.ReadFile(p)
	}
	if strings.HasPrefix(location, "s3://") {
		return f.fetchS3(ctx, location)
	}
	return f.fetchGetter(ctx, location)
}

func (f *Fetcher) fetchS3(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, errors.Newf("s3 location needs a bucket and a key: %q", location)
	}
	client := f.s3
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "load aws config")
		}
		client = s3.NewFromConfig(awsCfg)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(u.Host), Key: aws.String(key)})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (f *Fetcher) fetchGetter(ctx context.Context, location string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "supertask-seed-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	pwd, _ := os.Getwd()
	dst := filepath.Join(dir, "timetable")
	client := &getter.Client{
		Ctx:     ctx,
		Src:     location,
		Dst:     dst,
		Pwd:     pwd,
		Mode:    getter.ClientModeFile,
		Getters: f.getters,
	}
	if err := client.Get(); err != nil {
		return nil, err
	}
	return os.ReadFile(dst)
}
