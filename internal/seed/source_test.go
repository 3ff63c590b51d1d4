package seed

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supertask/internal/errors"
)

type fakeS3 struct {
	objects map[string]string
	got     *s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.got = in
	body, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(body)))}, nil
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		in    string
		path  string
		local bool
	}{
		{"timetable.yaml", "timetable.yaml", true},
		{"/etc/supertask/timetable.yaml", "/etc/supertask/timetable.yaml", true},
		{"file:///etc/supertask/timetable.yaml", "/etc/supertask/timetable.yaml", true},
		{"https://example.org/timetable.yaml", "", false},
		{"s3://bucket/timetable.yaml", "", false},
		{"git::https://example.org/repo.git//timetable.yaml", "", false},
	}
	for _, tt := range tests {
		path, local := LocalPath(tt.in)
		assert.Equal(t, tt.local, local, tt.in)
		assert.Equal(t, filepath.FromSlash(tt.path), path, tt.in)
	}
}

func TestCanonical(t *testing.T) {
	abs, err := filepath.Abs("timetable.yaml")
	require.NoError(t, err)
	assert.Equal(t, abs, Canonical("timetable.yaml"))
	assert.Equal(t, abs, Canonical("./sub/../timetable.yaml"))
	assert.Equal(t, "https://example.org/t.yaml", Canonical(" https://example.org/t.yaml "))
}

func TestFetchLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tasks": []}`), 0o644))

	f := NewFetcher()
	for _, loc := range []string{path, "file://" + filepath.ToSlash(path)} {
		data, err := f.Fetch(context.Background(), loc)
		require.NoError(t, err, loc)
		assert.Equal(t, `{"tasks": []}`, string(data))
	}

	_, err := f.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	assert.True(t, errors.Is(err, errors.ErrSeedSourceUnreachable), "got %v", err)
}

func TestFetchS3(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"tasks/prod/timetable.yaml": "tasks: []\n"}}
	f := NewFetcher(WithS3(fake))

	data, err := f.Fetch(context.Background(), "s3://tasks/prod/timetable.yaml")
	require.NoError(t, err)
	assert.Equal(t, "tasks: []\n", string(data))
	assert.Equal(t, "tasks", aws.ToString(fake.got.Bucket))
	assert.Equal(t, "prod/timetable.yaml", aws.ToString(fake.got.Key))

	_, err = f.Fetch(context.Background(), "s3://tasks/missing.yaml")
	assert.True(t, errors.Is(err, errors.ErrSeedSourceUnreachable))
	_, err = f.Fetch(context.Background(), "s3://bucket-only")
	assert.True(t, errors.Is(err, errors.ErrSeedSourceUnreachable))
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/timetable.yaml" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("tasks: []\n"))
	}))
	defer srv.Close()

	f := NewFetcher()
	data, err := f.Fetch(context.Background(), srv.URL+"/timetable.yaml")
	require.NoError(t, err)
	assert.Equal(t, "tasks: []\n", string(data))

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.yaml")
	assert.True(t, errors.Is(err, errors.ErrSeedSourceUnreachable), "got %v", err)
}

func TestDocumentName(t *testing.T) {
	assert.Equal(t, "/raw/main/timetable.yaml", documentName("https://example.org/raw/main/timetable.yaml?ref=x"))
	assert.Equal(t, "/repo.git//t.toml", documentName("git::https://example.org/repo.git//t.toml"))
	assert.Equal(t, "local.json", documentName("local.json"))
}
