package input

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gocluster/pkg/record"
)

// LoadRecords reads the records from fastaURI and, when gffURI is set,
// attaches the GFF3 features read from it. Both inputs are read
// concurrently.
func (o *Opener) LoadRecords(ctx context.Context, fastaURI, gffURI string) ([]*record.Record, error) {
	var (
		records  []*record.Record
		features map[string][]record.Feature
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = readWith(gctx, o, fastaURI, record.ReadFASTA)
		return err
	})
	if gffURI != "" {
		g.Go(func() error {
			var err error
			features, err = readWith(gctx, o, gffURI, record.ReadGFF3)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(features) > 0 {
		if err := record.AttachFeatures(records, features); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func readWith[T any](ctx context.Context, o *Opener, uri string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	rc, err := o.Open(ctx, uri)
	if err != nil {
		return zero, fmt.Errorf("open %s: %w", uri, err)
	}
	defer func() { _ = rc.Close() }()

	v, err := parse(rc)
	if err != nil {
		return zero, fmt.Errorf("parse %s: %w", uri, err)
	}
	return v, nil
}
