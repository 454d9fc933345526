package sideload

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gocluster/pkg/schema"
)

// Opener opens a sideload document by path or URI.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// maxConcurrentLoads bounds the documents read at once.
const maxConcurrentLoads = 8

// Load reads every document in paths concurrently and groups the entries by
// record id. Entries keep document order: all entries of paths[0] precede
// those of paths[1] for the same record.
//
// simple, when non-empty, is parsed with ParseSimple and appended last.
// Duplicate paths are rejected.
func Load(ctx context.Context, opener Opener, v *schema.Validator, paths []string, simple string) (map[string][]Entry, error) {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: sideloaded filenames contain duplicates: %s", ErrInvalidDocument, p)
		}
		seen[p] = struct{}{}
	}

	docs := make([]*Document, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLoads)
	for i, p := range paths {
		g.Go(func() error {
			doc, err := loadOne(gctx, opener, v, p)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]Entry)
	for _, doc := range docs {
		for _, e := range doc.Entries {
			out[e.RecordID] = append(out[e.RecordID], e)
		}
	}

	if simple != "" {
		e, err := ParseSimple(simple)
		if err != nil {
			return nil, err
		}
		out[e.RecordID] = append(out[e.RecordID], e)
	}
	return out, nil
}

func loadOne(ctx context.Context, opener Opener, v *schema.Validator, path string) (*Document, error) {
	rc, err := opener.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sideload %s: %w", path, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read sideload %s: %w", path, err)
	}
	return Parse(data, path, v)
}
