// Package spreadsheet turns uploaded product lists into normalized rows.
package spreadsheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrMissingColumns is returned when a header lacks a required column.
	ErrMissingColumns = errors.New("spreadsheet: required columns not found")
	// ErrUnreadable is returned when the file cannot be decoded at all.
	ErrUnreadable = errors.New("spreadsheet: file cannot be read")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one usable product line.
type Row struct {
	Identifier    string
	DisplayName   string
	PurchasePrice decimal.Decimal
}

// ParseFile dispatches on the file extension: .xlsx goes to excelize,
// everything else is read as CSV.
func ParseFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ParseXLSX(f)
	}
	return ParseCSV(f)
}

// ParseCSV reads a CSV whose delimiter is sniffed from the header line.
func ParseCSV(r io.Reader) ([]Row, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(bom, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	head, _ := br.Peek(4096)

	reader := csv.NewReader(br)
	reader.Comma = sniffDelimiter(head)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return rowsFromRecords(records)
}

// ParseXLSX reads the first worksheet of an Excel workbook.
func ParseXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrUnreadable)
	}
	records, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return rowsFromRecords(records)
}

func sniffDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	best, bestCount := ',', 0
	for _, d := range []rune{';', ',', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

type columns struct {
	identifier, name, price int
}

func locateColumns(header []string) (columns, error) {
	cols := columns{identifier: -1, name: -1, price: -1}
	for i, raw := range header {
		h := foldHeader(raw)
		if cols.identifier < 0 && strings.Contains(h, "ean") {
			cols.identifier = i
		}
		if cols.name < 0 && (strings.Contains(h, "name") || strings.Contains(h, "nazwa")) {
			cols.name = i
		}
		if cols.price < 0 && (strings.Contains(h, "price") || strings.Contains(h, "cena")) {
			cols.price = i
		}
	}
	var missing []string
	if cols.identifier < 0 {
		missing = append(missing, "EAN")
	}
	if cols.name < 0 {
		missing = append(missing, "Name/Nazwa")
	}
	if cols.price < 0 {
		missing = append(missing, "Price/Cena")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return cols, nil
}

func rowsFromRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: EAN, Name/Nazwa, Price/Cena", ErrMissingColumns)
	}
	cols, err := locateColumns(records[0])
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		identifier := NormalizeEAN(cell(rec, cols.identifier))
		if identifier == "" {
			continue
		}
		price, ok := ParsePrice(cell(rec, cols.price))
		if !ok || !price.IsPositive() {
			continue
		}
		rows = append(rows, Row{
			Identifier:    identifier,
			DisplayName:   strings.TrimSpace(cell(rec, cols.name)),
			PurchasePrice: price,
		})
	}
	return rows, nil
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// foldHeader lower-cases and strips diacritics so "Cena zakupu" and "CENA"
// both match.
func foldHeader(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// NormalizeEAN keeps digits only and drops leading zeros.
func NormalizeEAN(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// ParsePrice accepts "12,50", "12.50" and "12,50 zł".
func ParsePrice(raw string) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return decimal.Zero, false
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d, true
	}
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
