// Package normalize turns ';'-delimited CSV payloads into ingestion records,
// decomposing the first recognized date column into year, month and day.
package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

// PlaceholderKey replaces empty header names and collects overflow values.
const PlaceholderKey = "undefined_key"

// DefaultDateColumns lists the date column aliases in lookup order.
var DefaultDateColumns = []string{"data", "datainfracao", "data_infracao", "dataevento"}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Config controls the parser.
type Config struct {
	Delimiter   rune
	DateColumns []string
}

// Result is the outcome of normalizing one payload.
type Result struct {
	Records       []ingest.Record
	Rows          int
	SkippedNoDate int
}

// Normalizer parses and reshapes CSV payloads. It is safe for concurrent use.
type Normalizer struct {
	delimiter   rune
	dateColumns []string
}

// New builds a Normalizer, falling back to ';' and DefaultDateColumns.
func New(cfg Config) *Normalizer {
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ';'
	}
	if len(cfg.DateColumns) == 0 {
		cfg.DateColumns = DefaultDateColumns
	}
	return &Normalizer{
		delimiter:   cfg.Delimiter,
		dateColumns: append([]string(nil), cfg.DateColumns...),
	}
}

// Normalize parses payload using its first line as header and returns the rows
// that carry a usable yyyy-mm-dd date, tagged with pageURL and uniqueID.
func (n *Normalizer) Normalize(payload []byte, pageURL, uniqueID string) (Result, error) {
	text, err := decode(payload)
	if err != nil {
		return Result{}, err
	}

	reader := csv.NewReader(bytes.NewReader(text))
	reader.Comma = n.delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}

	var result Result
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read row %d: %w", result.Rows+1, err)
		}
		result.Rows++

		record := buildRecord(header, row)
		if !n.splitDate(record) {
			result.SkippedNoDate++
			continue
		}
		record[ingest.FieldSourceLink] = pageURL
		record[ingest.FieldUniqueID] = uniqueID
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func buildRecord(header, row []string) ingest.Record {
	record := make(ingest.Record, len(header)+5)
	for i, name := range header {
		key := name
		if key == "" {
			key = PlaceholderKey
		}
		if i < len(row) {
			record[key] = row[i]
		} else {
			record[key] = nil
		}
	}
	if len(row) > len(header) {
		record[PlaceholderKey] = append([]string(nil), row[len(header):]...)
	}
	return record
}

// splitDate sets year/month/day from the first alias present in record and
// reports whether the record should be kept.
func (n *Normalizer) splitDate(record ingest.Record) bool {
	for _, column := range n.dateColumns {
		value, ok := record[column]
		if !ok {
			continue
		}
		s, _ := value.(string)
		if s == "" {
			return false
		}
		parts := strings.Split(s, "-")
		if len(parts) != 3 {
			return false
		}
		record[ingest.FieldYear] = parts[0]
		record[ingest.FieldMonth] = parts[1]
		record[ingest.FieldDay] = parts[2]
		return true
	}
	return false
}

// decode returns payload as UTF-8 with NUL bytes removed. Document stores
// such as JSONB reject NUL in text, and a stray one must not sink the file.
func decode(payload []byte) ([]byte, error) {
	payload = bytes.TrimPrefix(payload, utf8BOM)
	if !utf8.Valid(payload) {
		out, err := charmap.Windows1252.NewDecoder().Bytes(payload)
		if err != nil {
			return nil, fmt.Errorf("decode windows-1252: %w", err)
		}
		payload = out
	}
	if bytes.IndexByte(payload, 0) >= 0 {
		payload = bytes.ReplaceAll(payload, []byte{0}, nil)
	}
	return payload, nil
}
