package input

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocluster/pkg/provider"
	"github.com/3leaps/gocluster/pkg/record"
)

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestOpener_Open(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "contigs.fa")
	compressed := filepath.Join(dir, "contigs.fa.gz")
	disguised := filepath.Join(dir, "contigs.bin")
	require.NoError(t, os.WriteFile(plain, []byte(">a\nACGT\n"), 0o644))
	require.NoError(t, os.WriteFile(compressed, gzipBytes(t, ">b\nGGCC\n"), 0o644))
	require.NoError(t, os.WriteFile(disguised, gzipBytes(t, ">c\nTTAA\n"), 0o644))

	o := NewOpener(WithStdin(strings.NewReader(">s\nAC\n")))
	defer o.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		uri  string
		want string
	}{
		{name: "plain path", uri: plain, want: ">a\nACGT\n"},
		{name: "file uri", uri: "file:" + plain, want: ">a\nACGT\n"},
		{name: "gzip by suffix", uri: compressed, want: ">b\nGGCC\n"},
		{name: "gzip by magic", uri: disguised, want: ">c\nTTAA\n"},
		{name: "stdin", uri: Stdin, want: ">s\nAC\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := o.Open(ctx, tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.want, readAll(t, rc))
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := o.Open(ctx, filepath.Join(dir, "missing.fa"))
		require.Error(t, err)
		assert.True(t, provider.IsNotFound(err))
	})

	t.Run("bad s3 uri", func(t *testing.T) {
		_, err := o.Open(ctx, "s3://bucket-only")
		require.Error(t, err)
	})

	t.Run("stat", func(t *testing.T) {
		meta, err := o.Stat(ctx, plain)
		require.NoError(t, err)
		assert.Equal(t, int64(8), meta.Size)
	})
}

func TestOpener_LoadRecords(t *testing.T) {
	dir := t.TempDir()
	fasta := filepath.Join(dir, "genome.fa")
	gff := filepath.Join(dir, "genome.gff3")
	require.NoError(t, os.WriteFile(fasta, []byte(">seq1\n"+strings.Repeat("A", 60)+"\n>seq2\nACGT\n"), 0o644))
	require.NoError(t, os.WriteFile(gff, []byte("seq1\tdetector\tprotocluster\t11\t40\t.\t.\t.\tproduct=NRPS\n"), 0o644))

	o := NewOpener()
	defer o.Close()

	records, err := o.LoadRecords(context.Background(), fasta, gff)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Len(t, records[0].Features, 1)
	assert.Equal(t, "NRPS", records[0].Features[0].Qualifier("product"))
	assert.Empty(t, records[1].Features)

	t.Run("without gff", func(t *testing.T) {
		records, err := o.LoadRecords(context.Background(), fasta, "")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("gff names unknown record", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.gff3")
		require.NoError(t, os.WriteFile(bad, []byte("seqX\tdetector\tCDS\t1\t3\t.\t+\t.\tID=a\n"), 0o644))
		_, err := o.LoadRecords(context.Background(), fasta, bad)
		assert.True(t, errors.Is(err, record.ErrInvalidInput))
	})
}
