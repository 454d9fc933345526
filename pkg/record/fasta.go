package record

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Input errors.
var (
	// ErrInvalidInput indicates the input could not be parsed into records.
	ErrInvalidInput = errors.New("invalid record input")

	// ErrNoRecords indicates the input held no sequences.
	ErrNoRecords = errors.New("input contains no sequences")
)

// ParseError describes a malformed line in an input file.
type ParseError struct {
	Format string
	Line   int
	Msg    string
}

// Error implements error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%s line %d: %s", e.Format, e.Line, e.Msg)
}

// Unwrap returns ErrInvalidInput.
func (e *ParseError) Unwrap() error {
	return ErrInvalidInput
}

const maxLineSize = 64 * 1024 * 1024

// ReadFASTA parses every record from r.
//
// The record id is the first whitespace-separated token of the header and
// must be unique. Every header must be followed by at least one sequence
// line. Sequences are upper-cased; '-' gap characters are kept.
func ReadFASTA(r io.Reader) ([]*Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), maxLineSize)

	var (
		records []*Record
		cur     *Record
		seq     bytes.Buffer
		line    int
		header  int
	)
	seen := make(map[string]int)

	flush := func() error {
		if cur == nil {
			return nil
		}
		if seq.Len() == 0 {
			return &ParseError{Format: "fasta", Line: header, Msg: fmt.Sprintf("record %q has no sequence", cur.RecordID)}
		}
		cur.Seq = bytes.Clone(seq.Bytes())
		seq.Reset()
		records = append(records, cur)
		return nil
	}

	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == ';' {
			continue
		}

		if text[0] == '>' {
			if err := flush(); err != nil {
				return nil, err
			}
			fields := strings.Fields(string(text[1:]))
			if len(fields) == 0 {
				return nil, &ParseError{Format: "fasta", Line: line, Msg: "empty record identifier"}
			}
			id, desc := fields[0], strings.Join(fields[1:], " ")
			if prev, dup := seen[id]; dup {
				return nil, &ParseError{Format: "fasta", Line: line, Msg: fmt.Sprintf("duplicate record id %q (first seen on line %d)", id, prev)}
			}
			seen[id] = line
			header = line
			cur = &Record{RecordID: id, Description: desc}
			continue
		}

		if cur == nil {
			return nil, &ParseError{Format: "fasta", Line: line, Msg: "sequence before identifier"}
		}
		for _, b := range text {
			switch {
			case b >= 'a' && b <= 'z':
				seq.WriteByte(b - 'a' + 'A')
			case b >= 'A' && b <= 'Z', b == '-', b == '*':
				seq.WriteByte(b)
			case b == ' ' || b == '\t':
			default:
				return nil, &ParseError{Format: "fasta", Line: line, Msg: fmt.Sprintf("sequence contains non-alphabetic character %q", b)}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read fasta: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return records, nil
}

// WriteFASTA writes records to w with sequence lines wrapped at width
// (no wrapping when width <= 0).
func WriteFASTA(w io.Writer, records []*Record, width int) error {
	bw := bufio.NewWriter(w)
	for _, r := range records {
		header := r.RecordID
		if r.Description != "" {
			header += " " + r.Description
		}
		if _, err := fmt.Fprintf(bw, ">%s\n", header); err != nil {
			return err
		}
		seq := r.Seq
		wrap := width
		if wrap <= 0 {
			wrap = len(seq)
		}
		for len(seq) > 0 {
			n := min(wrap, len(seq))
			if _, err := bw.Write(seq[:n]); err != nil {
				return err
			}
			if err := bw.WriteByte('\n'); err != nil {
				return err
			}
			seq = seq[n:]
		}
	}
	return bw.Flush()
}
