package record

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ReadGFF3 parses GFF3 features from r, grouped by sequence id.
//
// Coordinates are converted from 1-based inclusive to 0-based half-open.
// Parsing stops at a ##FASTA directive.
func ReadGFF3(r io.Reader) (map[string][]Feature, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	out := make(map[string][]Feature)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "##FASTA") {
			break
		}
		if strings.HasPrefix(text, "#") {
			continue
		}

		cols := strings.Split(text, "\t")
		if len(cols) != 9 {
			return nil, &ParseError{Format: "gff3", Line: line, Msg: fmt.Sprintf("expected 9 tab-separated columns, got %d", len(cols))}
		}

		start, err := strconv.Atoi(cols[3])
		if err != nil || start < 1 {
			return nil, &ParseError{Format: "gff3", Line: line, Msg: fmt.Sprintf("invalid start %q", cols[3])}
		}
		end, err := strconv.Atoi(cols[4])
		if err != nil || end < start {
			return nil, &ParseError{Format: "gff3", Line: line, Msg: fmt.Sprintf("invalid end %q", cols[4])}
		}

		var strand Strand
		switch cols[6] {
		case "+":
			strand = StrandForward
		case "-":
			strand = StrandReverse
		case ".", "?":
			strand = StrandUnknown
		default:
			return nil, &ParseError{Format: "gff3", Line: line, Msg: fmt.Sprintf("invalid strand %q", cols[6])}
		}

		quals, err := parseAttributes(cols[8])
		if err != nil {
			return nil, &ParseError{Format: "gff3", Line: line, Msg: err.Error()}
		}

		seqID, err := url.PathUnescape(cols[0])
		if err != nil {
			return nil, &ParseError{Format: "gff3", Line: line, Msg: fmt.Sprintf("invalid seqid %q", cols[0])}
		}
		out[seqID] = append(out[seqID], Feature{
			Type:       cols[2],
			Source:     cols[1],
			Start:      start - 1,
			End:        end,
			Strand:     strand,
			Qualifiers: quals,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read gff3: %w", err)
	}
	return out, nil
}

func parseAttributes(col string) (map[string][]string, error) {
	if col == "." || col == "" {
		return nil, nil
	}
	quals := make(map[string][]string)
	for _, pair := range strings.Split(col, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("attribute %q has no value", pair)
		}
		for _, v := range strings.Split(value, ",") {
			decoded, err := url.PathUnescape(v)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", key, err)
			}
			quals[key] = append(quals[key], decoded)
		}
	}
	return quals, nil
}

// AttachFeatures adds GFF3 features to the matching records.
//
// Every GFF3 sequence id must name a record and every feature must lie
// within its record's bounds.
func AttachFeatures(records []*Record, features map[string][]Feature) error {
	byID := make(map[string]*Record, len(records))
	for _, r := range records {
		byID[r.RecordID] = r
	}

	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: GFF3 record %q does not match any sequence record", ErrInvalidInput, id)
		}
		for _, f := range features[id] {
			if f.End > r.Len() {
				return fmt.Errorf("%w: GFF3 feature %s %d-%d exceeds record %q length %d",
					ErrInvalidInput, f.Type, f.Start+1, f.End, id, r.Len())
			}
		}
	}

	for _, id := range ids {
		r := byID[id]
		for _, f := range features[id] {
			r.Features = append(r.Features, f.Clone())
		}
	}
	return nil
}
