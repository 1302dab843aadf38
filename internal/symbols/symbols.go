// Package symbols validates ticker symbols and holds the directory of
// tradable listings.
//
// A Directory is built once at startup, from explicit symbols or from
// exchange listing files as published by NASDAQ Trader (nasdaqlisted.txt,
// otherlisted.txt), and is passed to the executor. It is never mutated
// afterwards.
package symbols

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// symbolRegex matches an upper-case ticker such as AAPL, BRK.B or BF-A.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var (
	ErrInvalidSymbol = errors.New("symbols: invalid ticker symbol")
	ErrUnknownSymbol = errors.New("symbols: symbol not listed")
	ErrNoSymbolCol   = errors.New("symbols: listing has no Symbol column")
)

// headerNames are the column titles that carry the ticker in listing files.
var headerNames = []string{"Symbol", "ACT Symbol", "NASDAQ Symbol"}

// Normalize trims and upper-cases raw, then validates the ticker format.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// Directory is an immutable set of listed symbols.
type Directory struct {
	listed map[string]struct{}
}

// NewDirectory builds a directory from explicit symbols. Malformed entries
// are rejected.
func NewDirectory(symbols ...string) (*Directory, error) {
	d := &Directory{listed: make(map[string]struct{}, len(symbols))}
	for _, raw := range symbols {
		s, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		d.listed[s] = struct{}{}
	}
	return d, nil
}

// LoadDirectory builds a directory from one or more listing files.
func LoadDirectory(paths ...string) (*Directory, error) {
	d := &Directory{listed: make(map[string]struct{})}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("symbols: open listing: %w", err)
		}
		err = d.read(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("symbols: %s: %w", path, err)
		}
	}
	return d, nil
}

// ReadDirectory builds a directory from a single listing stream.
func ReadDirectory(r io.Reader) (*Directory, error) {
	d := &Directory{listed: make(map[string]struct{})}
	if err := d.read(r); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) read(r io.Reader) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	text := string(content)

	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = delimiter(text)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	col := symbolColumn(header)
	if col < 0 {
		return ErrNoSymbolCol
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if col >= len(rec) {
			continue
		}
		// NASDAQ Trader files end with a "File Creation Time" trailer row;
		// it and other malformed rows are skipped.
		s, err := Normalize(rec[col])
		if err != nil {
			continue
		}
		d.listed[s] = struct{}{}
	}
}

// delimiter picks '|' when the header line uses it, ',' otherwise.
func delimiter(text string) rune {
	first, _, _ := strings.Cut(text, "\n")
	if strings.Contains(first, "|") {
		return '|'
	}
	return ','
}

func symbolColumn(header []string) int {
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		for _, name := range headerNames {
			if strings.EqualFold(h, name) {
				return i
			}
		}
	}
	return -1
}

// Check normalizes raw and verifies it is listed. An empty directory
// accepts every well-formed symbol.
func (d *Directory) Check(raw string) (string, error) {
	s, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	if !d.Contains(s) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, s)
	}
	return s, nil
}

// Contains reports whether the normalized symbol is listed.
func (d *Directory) Contains(symbol string) bool {
	if d == nil || len(d.listed) == 0 {
		return true
	}
	_, ok := d.listed[symbol]
	return ok
}

// Len returns the number of listed symbols.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.listed)
}

// Symbols returns the listed symbols in sorted order.
func (d *Directory) Symbols() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.listed))
	for s := range d.listed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
