package pinning

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/feedstock-tools/smithy/pkg/engine"
	"github.com/feedstock-tools/smithy/pkg/transports/sftp"
)

// DefaultSource is the head of the conda-forge pinning feedstock.
const DefaultSource = "https://github.com/conda-forge/conda-forge-pinning-feedstock/archive/refs/heads/main.tar.gz"

// LocalSource is implemented by sources that already are a pinning
// directory on disk. Such sources bypass the cache.
type LocalSource interface {
	LocalDir() (string, bool)
}

// SourceOptions configures OpenSource.
type SourceOptions struct {
	// HTTPClient is used for http(s) sources.
	HTTPClient *http.Client

	// S3Endpoint, S3Region and S3UseSSL configure s3:// sources. The
	// endpoint defaults to $S3_ENDPOINT, then s3.amazonaws.com.
	S3Endpoint string
	S3Region   string
	S3UseSSL   *bool
}

// OpenSource returns the source for uri: http(s)://, s3://bucket/key,
// sftp://user@host[:port]/path, file://path or a plain path.
func OpenSource(uri string, opts SourceOptions) (engine.PinningSource, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return NewFileSource(uri), nil
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(uri, opts.HTTPClient), nil
	case "s3":
		return newS3SourceFromURL(u, opts)
	case "sftp":
		config, remotePath, err := sftp.ParseURL(uri)
		if err != nil {
			return nil, invalidSource(uri, err)
		}
		return NewSFTPSource(config, remotePath), nil
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		return NewFileSource(p), nil
	}
	return nil, invalidSource(uri, fmt.Errorf("unsupported scheme %q", u.Scheme))
}

func invalidSource(uri string, err error) error {
	return engine.NewConfigurationError("invalid pinning source", err).
		WithCode(engine.ErrCodeInvalidConfig).
		WithResource(uri).
		WithOperation("open_source")
}

// HTTPSource fetches the artifact over HTTP with ETag revalidation.
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource creates an HTTP source. A nil client uses a client with
// pooled connections and no overall timeout; callers bound requests with
// their context.
func NewHTTPSource(rawURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Transport: newTransport()}
	}
	return &HTTPSource{url: rawURL, client: client}
}

// URI returns the artifact URL.
func (s *HTTPSource) URI() string { return s.url }

// Fetch implements engine.PinningSource.
func (s *HTTPSource) Fetch(ctx context.Context, etag string, w io.Writer) (*engine.ArtifactMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// After redirects the final URL names the artifact.
	name := path.Base(resp.Request.URL.Path)
	meta := &engine.ArtifactMeta{
		Name:    name,
		Version: VersionFromName(name),
		ETag:    resp.Header.Get("ETag"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.ModTime = t
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		meta.NotModified = true
		if meta.ETag == "" {
			meta.ETag = etag
		}
		return meta, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("GET %s: unexpected status %s", s.url, resp.Status)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.url, err)
	}
	return meta, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// S3Source fetches the artifact from an S3-compatible object store.
type S3Source struct {
	client *minio.Client
	bucket string
	key    string
}

// NewS3Source creates an S3 source from a configured client.
func NewS3Source(client *minio.Client, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: strings.TrimPrefix(key, "/")}
}

func newS3SourceFromURL(u *url.URL, opts SourceOptions) (*S3Source, error) {
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, invalidSource(u.String(), fmt.Errorf("expected s3://bucket/key"))
	}

	endpoint := opts.S3Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("S3_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	useSSL := true
	if opts.S3UseSSL != nil {
		useSSL = *opts.S3UseSSL
	}

	var creds *credentials.Credentials
	if ak, sk := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); ak != "" && sk != "" {
		creds = credentials.NewStaticV4(ak, sk, os.Getenv("AWS_SESSION_TOKEN"))
	} else {
		creds = credentials.NewStaticV4("", "", "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     creds,
		Secure:    useSSL,
		Region:    opts.S3Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, invalidSource(u.String(), err)
	}
	return NewS3Source(client, bucket, key), nil
}

// URI returns the s3:// location.
func (s *S3Source) URI() string { return "s3://" + s.bucket + "/" + s.key }

// Fetch implements engine.PinningSource.
func (s *S3Source) Fetch(ctx context.Context, etag string, w io.Writer) (*engine.ArtifactMeta, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", s.URI(), err)
	}
	name := path.Base(s.key)
	meta := &engine.ArtifactMeta{
		Name:    name,
		Version: VersionFromName(name),
		ETag:    info.ETag,
		ModTime: info.LastModified,
	}
	if etag != "" && etag == info.ETag {
		meta.NotModified = true
		return meta, nil
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.URI(), err)
	}
	defer obj.Close()
	if _, err := io.Copy(w, obj); err != nil {
		return nil, fmt.Errorf("get %s: %w", s.URI(), err)
	}
	return meta, nil
}

// SFTPSource fetches the artifact over SFTP. Its validator is derived from
// the remote size and modification time.
type SFTPSource struct {
	config *sftp.Config
	path   string
}

// NewSFTPSource creates an SFTP source.
func NewSFTPSource(config *sftp.Config, remotePath string) *SFTPSource {
	return &SFTPSource{config: config, path: remotePath}
}

// URI returns the sftp:// location without credentials.
func (s *SFTPSource) URI() string {
	return "sftp://" + s.config.User + "@" + s.config.Address() + s.path
}

// Fetch implements engine.PinningSource.
func (s *SFTPSource) Fetch(ctx context.Context, etag string, w io.Writer) (*engine.ArtifactMeta, error) {
	client, err := sftp.Dial(ctx, s.config)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	info, err := client.Stat(ctx, s.path)
	if err != nil {
		return nil, err
	}
	name := path.Base(s.path)
	meta := &engine.ArtifactMeta{
		Name:    name,
		Version: VersionFromName(name),
		ETag:    statETag(info.Size(), info.ModTime()),
		ModTime: info.ModTime(),
	}
	if etag != "" && etag == meta.ETag {
		meta.NotModified = true
		return meta, nil
	}
	if _, err := client.Fetch(ctx, s.path, w); err != nil {
		return nil, err
	}
	return meta, nil
}

// FileSource reads a local artifact or pinning directory.
type FileSource struct {
	path string
}

// NewFileSource creates a file source.
func NewFileSource(p string) *FileSource {
	return &FileSource{path: p}
}

// URI returns the local path.
func (s *FileSource) URI() string { return s.path }

// LocalDir reports whether the source is a directory.
func (s *FileSource) LocalDir() (string, bool) {
	info, err := os.Stat(s.path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return s.path, true
	}
	return abs, true
}

// Fetch implements engine.PinningSource.
func (s *FileSource) Fetch(ctx context.Context, etag string, w io.Writer) (*engine.ArtifactMeta, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	name := filepath.Base(s.path)
	meta := &engine.ArtifactMeta{
		Name:    name,
		Version: VersionFromName(name),
		ETag:    statETag(info.Size(), info.ModTime()),
		ModTime: info.ModTime(),
	}
	if etag != "" && etag == meta.ETag {
		meta.NotModified = true
		return meta, nil
	}
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: f}); err != nil {
		return nil, err
	}
	return meta, nil
}

func statETag(size int64, mod time.Time) string {
	return `W/"` + strconv.FormatInt(size, 16) + "-" + strconv.FormatInt(mod.UnixNano(), 16) + `"`
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// VersionFromName extracts the version from a conda package file name of
// the form <name>-<version>-<build>.<ext>. It returns "" when the name does
// not follow that form.
func VersionFromName(name string) string {
	base := name
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	parts := strings.Split(base, "-")
	if len(parts) < 3 || base == name {
		return ""
	}
	v := parts[len(parts)-2]
	if v == "" || v[0] < '0' || v[0] > '9' {
		return ""
	}
	return v
}
