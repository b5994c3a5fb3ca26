// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tabular parses delimited text of unknown dialect into rows keyed by
// canonical field names.
//
// The delimiter is inferred from the header line against a synonym table, then
// the rest of the input is streamed one record at a time. Callers pull rows
// through an iterator, so a slow consumer stalls reads from the source.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
)

// SniffLimit is the most bytes buffered while looking for the header line.
const SniffLimit = 5 * 1024

const bom = "\uFEFF"

// candidates are scored in declaration order; earlier wins on ties.
var candidates = []rune{',', ';', '|', '\t'}

// presence is the fallback order when no candidate header token is recognized.
var presence = []rune{'|', ';', '\t', ','}

// SynonymTable maps a canonical field name to the header spellings that may
// represent it.
type SynonymTable map[string][]string

// Lookup inverts the table into normalized spelling -> canonical name.
func (s SynonymTable) Lookup() map[string]string {
	out := make(map[string]string, len(s)*2)
	for canonical, spellings := range s {
		out[normalizeHeader(canonical)] = canonical
		for _, sp := range spellings {
			out[normalizeHeader(sp)] = canonical
		}
	}
	return out
}

// Row is one parsed record keyed by canonical field name.
type Row map[string]string

// Get returns the trimmed value of field, or "" when absent.
func (r Row) Get(field string) string { return r[field] }

// Stats counts what a stream has produced so far.
type Stats struct {
	Rows      int64
	Malformed int64
}

type state int

const (
	stateBuffering state = iota
	stateStreaming
	stateDone
)

func (s state) String() string {
	switch s {
	case stateBuffering:
		return "buffering"
	case stateStreaming:
		return "streaming"
	default:
		return "done"
	}
}

// Stream is a single pass over one input. It is not restartable: once drained
// a fresh Stream over a fresh reader is needed.
type Stream struct {
	src    io.Reader
	lookup map[string]string

	state  state
	delim  rune
	header []string
	csv    *csv.Reader
	stats  Stats
}

// NewStream prepares a stream over r. Nothing is read until Rows is iterated.
func NewStream(r io.Reader, synonyms SynonymTable) *Stream {
	return &Stream{src: r, lookup: synonyms.Lookup(), state: stateBuffering}
}

// Parse is shorthand for NewStream(r, synonyms).Rows().
func Parse(r io.Reader, synonyms SynonymTable) iter.Seq2[Row, error] {
	return NewStream(r, synonyms).Rows()
}

// Delimiter returns the detected delimiter, or 0 before the header is read.
func (s *Stream) Delimiter() rune { return s.delim }

// Header returns the canonical column names.
func (s *Stream) Header() []string { return s.header }

func (s *Stream) Stats() Stats { return s.stats }

// Rows yields parsed rows. A non-nil error is terminal and is the last value
// yielded. Malformed records are counted and skipped.
func (s *Stream) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for {
			row, ok, err := s.next()
			if !ok {
				return
			}
			if !yield(row, err) || err != nil {
				s.state = stateDone
				return
			}
		}
	}
}

func (s *Stream) next() (Row, bool, error) {
	for {
		switch s.state {
		case stateBuffering:
			if err := s.buffer(); err != nil {
				s.state = stateDone
				if errors.Is(err, io.EOF) {
					return nil, false, nil
				}
				return nil, true, err
			}
			s.state = stateStreaming
		case stateStreaming:
			record, err := s.csv.Read()
			if err == io.EOF {
				s.state = stateDone
				return nil, false, nil
			}
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					s.stats.Malformed++
					continue
				}
				s.state = stateDone
				return nil, true, fmt.Errorf("read record: %w", err)
			}
			if len(record) != len(s.header) {
				s.stats.Malformed++
				continue
			}
			row := make(Row, len(record))
			for i, v := range record {
				row[s.header[i]] = strings.TrimSpace(v)
			}
			s.stats.Rows++
			return row, true, nil
		default:
			return nil, false, nil
		}
	}
}

// buffer reads up to SniffLimit bytes or the first newline, picks the
// delimiter, then hands the buffered prefix and the remaining source to a
// csv.Reader and consumes the header record.
func (s *Stream) buffer() error {
	buf := make([]byte, 0, SniffLimit)
	chunk := make([]byte, 1024)
	for len(buf) < SniffLimit && bytes.IndexByte(buf, '\n') < 0 {
		want := min(len(chunk), SniffLimit-len(buf))
		n, err := s.src.Read(chunk[:want])
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read header: %w", err)
		}
	}
	buf = bytes.TrimPrefix(buf, []byte(bom))
	if len(buf) == 0 {
		return io.EOF
	}

	line := string(buf)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	s.delim = DetectDelimiter(strings.TrimRight(line, "\r"), s.lookup)

	r := csv.NewReader(io.MultiReader(bytes.NewReader(buf), s.src))
	r.Comma = s.delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	s.csv = r

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("read header: %w", err)
	}
	s.header = make([]string, len(header))
	for i, h := range header {
		s.header[i] = s.canonical(h, i)
	}
	return nil
}

func (s *Stream) canonical(h string, i int) string {
	n := normalizeHeader(h)
	if c, ok := s.lookup[n]; ok {
		return c
	}
	if n == "" {
		return "col_" + strconv.Itoa(i)
	}
	return n
}

// DetectDelimiter picks the candidate delimiter whose split of headerLine
// yields the most recognized header tokens. With no recognized tokens it
// falls back on which delimiter characters are present, and to comma for an
// empty line.
func DetectDelimiter(headerLine string, lookup map[string]string) rune {
	headerLine = strings.TrimPrefix(headerLine, bom)
	if strings.TrimSpace(headerLine) == "" {
		return ','
	}

	best, bestScore := rune(0), 0
	for _, d := range candidates {
		tokens := strings.Split(headerLine, string(d))
		if len(tokens) < 2 {
			continue
		}
		score := 0
		for _, tok := range tokens {
			if _, ok := lookup[normalizeHeader(tok)]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	if bestScore > 0 {
		return best
	}

	for _, d := range presence {
		if strings.ContainsRune(headerLine, d) {
			return d
		}
	}
	return ','
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, bom)
	h = strings.Trim(strings.TrimSpace(h), `"`)
	return strings.ToLower(strings.TrimSpace(h))
}
