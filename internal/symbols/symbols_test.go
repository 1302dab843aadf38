package symbols

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"AAPL", "AAPL"},
		{"  msft ", "MSFT"},
		{"brk.b", "BRK.B"},
		{"BF-A", "BF-A"},
		{"X", "X"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.raw)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalize_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"   ",
		"1ABC",        // must start with a letter
		"AB CD",       // embedded space
		"ABCDEFGHIJK", // too long
		"AA$",
	}
	for _, raw := range invalid {
		if _, err := Normalize(raw); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Normalize(%q): expected ErrInvalidSymbol, got %v", raw, err)
		}
	}
}

func TestDirectory_EmptyAcceptsAll(t *testing.T) {
	d, err := NewDirectory()
	if err != nil {
		t.Fatal(err)
	}
	got, err := d.Check("zzzz")
	if err != nil {
		t.Fatalf("empty directory should accept well-formed symbols: %v", err)
	}
	if got != "ZZZZ" {
		t.Errorf("got %q", got)
	}
	if _, err := d.Check("9XX"); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("empty directory still validates format, got %v", err)
	}

	var nilDir *Directory
	if !nilDir.Contains("AAPL") {
		t.Error("nil directory accepts every symbol")
	}
}

func TestDirectory_Check(t *testing.T) {
	d, err := NewDirectory("AAPL", "msft")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Check("MSFT"); err != nil {
		t.Errorf("MSFT should be listed: %v", err)
	}
	if _, err := d.Check("GOOG"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2", d.Len())
	}
}

func TestReadDirectory_NasdaqPipeFormat(t *testing.T) {
	listing := strings.Join([]string{
		"Symbol|Security Name|Market Category|Test Issue|Financial Status|Round Lot Size|ETF|NextShares",
		"AAPL|Apple Inc. - Common Stock|Q|N|N|100|N|N",
		"MSFT|Microsoft Corporation - Common Stock|Q|N|N|100|N|N",
		"File Creation Time: 0612202421:32|||||||",
	}, "\n")

	d, err := ReadDirectory(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	got := d.Symbols()
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("Symbols = %v", got)
	}
}

func TestReadDirectory_OtherListedColumn(t *testing.T) {
	listing := "ACT Symbol|Security Name|Exchange\nBRK.B|Berkshire Hathaway|N\n"

	d, err := ReadDirectory(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if !d.Contains("BRK.B") {
		t.Error("expected BRK.B from the ACT Symbol column")
	}
}

func TestReadDirectory_CommaFormat(t *testing.T) {
	listing := "Name,Symbol\nApple,AAPL\nNvidia,NVDA\n"

	d, err := ReadDirectory(strings.NewReader(listing))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if !d.Contains("NVDA") || d.Len() != 2 {
		t.Errorf("Symbols = %v", d.Symbols())
	}
}

func TestReadDirectory_NoSymbolColumn(t *testing.T) {
	_, err := ReadDirectory(strings.NewReader("Ticker,Name\nAAPL,Apple\n"))
	if !errors.Is(err, ErrNoSymbolCol) {
		t.Errorf("expected ErrNoSymbolCol, got %v", err)
	}
}

func TestLoadDirectory_MultipleFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "nasdaqlisted.txt")
	b := filepath.Join(dir, "otherlisted.txt")
	if err := os.WriteFile(a, []byte("Symbol|Security Name\nAAPL|Apple\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("ACT Symbol|Security Name\nIBM|IBM\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDirectory(a, b)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if !d.Contains("AAPL") || !d.Contains("IBM") {
		t.Errorf("Symbols = %v", d.Symbols())
	}

	if _, err := LoadDirectory(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for a missing listing")
	}
}
