package enrollment

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/logging"
)

// ErrInvalidRoster is returned for a roster file without the required header.
var ErrInvalidRoster = errors.New("invalid roster file")

// NormalizeName canonicalises an identity name: NFC, trimmed, inner runs of
// whitespace collapsed to one space.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// LoadRoster reads a CSV roster with the header name,organization,category.
// Column order is taken from the header; organization and category are
// optional. Rows with a blank name are skipped and a repeated name keeps
// its first row.
func LoadRoster(path string) ([]attendance.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()
	return ParseRoster(f)
}

// ParseRoster parses roster CSV from r.
func ParseRoster(r io.Reader) ([]attendance.Identity, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidRoster)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoster, err)
	}

	cols := map[string]int{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		cols[h] = i
	}
	nameCol, ok := cols["name"]
	if !ok {
		return nil, fmt.Errorf("%w: missing name column", ErrInvalidRoster)
	}

	field := func(rec []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []attendance.Identity
	seen := map[string]bool{}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRoster, line, err)
		}
		if nameCol >= len(rec) {
			continue
		}

		name := NormalizeName(rec[nameCol])
		if name == "" {
			continue
		}
		if seen[name] {
			logging.Component("enrollment").Warnf("Roster line %d repeats %q, keeping the first entry", line, name)
			continue
		}
		seen[name] = true

		out = append(out, attendance.Identity{
			Name:         name,
			Organization: field(rec, "organization"),
			Category:     field(rec, "category"),
		})
	}
	return out, nil
}
