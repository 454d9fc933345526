// Package input opens the objects a run reads, whatever their location:
// local paths, file: URIs, s3:// URIs or "-" for stdin. Gzip-compressed
// content is decompressed transparently.
package input

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/3leaps/gocluster/pkg/provider"
	"github.com/3leaps/gocluster/pkg/provider/file"
	"github.com/3leaps/gocluster/pkg/provider/s3"
)

// Stdin is the name that selects standard input.
const Stdin = "-"

// S3Options configures access to s3:// inputs.
type S3Options struct {
	Region   string
	Endpoint string
	Profile  string
}

// Opener opens input objects by URI. Providers are created lazily and cached
// per bucket. An Opener is safe for concurrent use.
type Opener struct {
	s3opts S3Options
	stdin  io.Reader

	mu      sync.Mutex
	buckets map[string]provider.Provider
}

// Option configures an Opener.
type Option func(*Opener)

// WithS3 sets the options used for s3:// inputs.
func WithS3(opts S3Options) Option {
	return func(o *Opener) { o.s3opts = opts }
}

// WithStdin replaces standard input (used by tests).
func WithStdin(r io.Reader) Option {
	return func(o *Opener) { o.stdin = r }
}

// NewOpener creates an Opener.
func NewOpener(opts ...Option) *Opener {
	o := &Opener{stdin: os.Stdin, buckets: make(map[string]provider.Provider)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open returns a reader for uri. The caller closes it.
func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if uri == Stdin {
		return decompress(io.NopCloser(o.stdin), uri)
	}

	p, key, err := o.resolve(ctx, uri)
	if err != nil {
		return nil, err
	}
	body, _, err := p.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	return decompress(body, uri)
}

// Stat returns metadata for uri without reading it.
func (o *Opener) Stat(ctx context.Context, uri string) (*provider.ObjectMeta, error) {
	if uri == Stdin {
		return &provider.ObjectMeta{Key: Stdin}, nil
	}
	p, key, err := o.resolve(ctx, uri)
	if err != nil {
		return nil, err
	}
	return p.Head(ctx, key)
}

// Close releases cached providers.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for bucket, p := range o.buckets {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(o.buckets, bucket)
	}
	return firstErr
}

func (o *Opener) resolve(ctx context.Context, uri string) (provider.Provider, string, error) {
	if strings.HasPrefix(uri, "s3://") {
		bucket, key, err := s3.ParseURI(uri)
		if err != nil {
			return nil, "", err
		}
		p, err := o.bucket(ctx, bucket)
		if err != nil {
			return nil, "", err
		}
		return p, key, nil
	}

	path := strings.TrimPrefix(uri, "file://")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, "", fmt.Errorf("empty input path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %q: %w", uri, err)
	}
	p, err := file.New(file.Config{BaseDir: filepath.Dir(abs)})
	if err != nil {
		return nil, "", err
	}
	return p, filepath.Base(abs), nil
}

func (o *Opener) bucket(ctx context.Context, name string) (provider.Provider, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.buckets[name]; ok {
		return p, nil
	}
	p, err := s3.New(ctx, s3.Config{
		Bucket:         name,
		Region:         o.s3opts.Region,
		Endpoint:       o.s3opts.Endpoint,
		Profile:        o.s3opts.Profile,
		ForcePathStyle: o.s3opts.Endpoint != "",
	})
	if err != nil {
		return nil, err
	}
	o.buckets[name] = p
	return p, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	src io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.src.Close(); err == nil {
		err = cerr
	}
	return err
}

type bufferedReadCloser struct {
	*bufio.Reader
	src io.Closer
}

func (b *bufferedReadCloser) Close() error { return b.src.Close() }

// decompress detects gzip by magic number (1F 8B) or by .gz suffix.
func decompress(rc io.ReadCloser, name string) (io.ReadCloser, error) {
	br := bufio.NewReader(rc)
	sig, _ := br.Peek(2)
	isGzip := len(sig) == 2 && sig[0] == 0x1f && sig[1] == 0x8b
	if !isGzip && !strings.HasSuffix(name, ".gz") {
		return &bufferedReadCloser{Reader: br, src: rc}, nil
	}
	gr, err := gzip.NewReader(br)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("open gzip %s: %w", name, err)
	}
	return &gzipReadCloser{Reader: gr, src: rc}, nil
}
