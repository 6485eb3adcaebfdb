package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/harwick/trendscope/internal/query"
)

// Extract applies the schema to raw content and produces records. Source
// tags the producing strategy so downstream consumers stay
// strategy-agnostic. Missing required fields surface *MalformedError;
// missing optional fields are simply absent from the record.
func Extract(s Schema, body []byte, source string) ([]query.Record, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	switch s.Doc {
	case DocHTML:
		return extractHTML(s, body, source)
	case DocJSON:
		return extractJSON(s, body, source)
	}
	return nil, fmt.Errorf("parse: unsupported doc type %q", s.Doc)
}

func extractHTML(s Schema, body []byte, source string) ([]query.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &MalformedError{Schema: s.Name, Missing: []string{"(document)"}}
	}

	if s.Rows == "" {
		rec, missing := buildRecord(s, htmlFieldReader(doc.Selection), source)
		if len(missing) > 0 {
			return nil, &MalformedError{Schema: s.Name, Missing: missing}
		}
		return []query.Record{rec}, nil
	}

	rows := doc.Find(s.Rows)
	if rows.Length() == 0 {
		return nil, &MalformedError{Schema: s.Name, Missing: []string{s.Rows}}
	}

	var records []query.Record
	var firstMissing []string
	rows.Each(func(i int, row *goquery.Selection) {
		rec, missing := buildRecord(s, htmlFieldReader(row), source)
		if len(missing) > 0 {
			// A row without its required fields is dropped; the page is only
			// malformed when no row survives.
			if firstMissing == nil {
				firstMissing = missing
			}
			return
		}
		records = append(records, rec)
	})

	if len(records) == 0 {
		return nil, &MalformedError{Schema: s.Name, Missing: firstMissing}
	}
	return records, nil
}

func extractJSON(s Schema, body []byte, source string) ([]query.Record, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, &MalformedError{Schema: s.Name, Missing: []string{"(document)"}}
	}

	if s.Rows == "" {
		rec, missing := buildRecord(s, jsonFieldReader(root), source)
		if len(missing) > 0 {
			return nil, &MalformedError{Schema: s.Name, Missing: missing}
		}
		return []query.Record{rec}, nil
	}

	rowsVal, ok := jsonPath(root, s.Rows)
	rows, isSlice := rowsVal.([]any)
	if !ok || !isSlice || len(rows) == 0 {
		return nil, &MalformedError{Schema: s.Name, Missing: []string{s.Rows}}
	}

	var records []query.Record
	var firstMissing []string
	for _, row := range rows {
		rec, missing := buildRecord(s, jsonFieldReader(row), source)
		if len(missing) > 0 {
			if firstMissing == nil {
				firstMissing = missing
			}
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, &MalformedError{Schema: s.Name, Missing: firstMissing}
	}
	return records, nil
}

// fieldReader resolves one field's raw string within the current row.
type fieldReader func(f Field) (string, bool)

func htmlFieldReader(sel *goquery.Selection) fieldReader {
	return func(f Field) (string, bool) {
		node := sel.Find(f.Selector).First()
		if node.Length() == 0 {
			return "", false
		}
		if f.Attr != "" {
			return node.Attr(f.Attr)
		}
		return strings.TrimSpace(node.Text()), true
	}
}

func jsonFieldReader(row any) fieldReader {
	return func(f Field) (string, bool) {
		v, ok := jsonPath(row, f.Selector)
		if !ok || v == nil {
			return "", false
		}
		switch t := v.(type) {
		case string:
			return t, true
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(t), true
		default:
			return "", false
		}
	}
}

// jsonPath walks a dot-path through decoded JSON. Numeric segments index
// arrays.
func jsonPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func buildRecord(s Schema, read fieldReader, source string) (query.Record, []string) {
	rec := query.Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Fields:    make(map[string]string, len(s.Fields)),
	}

	var missing []string
	for _, f := range s.Fields {
		raw, ok := read(f)
		if ok && f.Pattern != "" {
			raw, ok = refine(raw, f.Pattern)
		}
		if !ok || raw == "" {
			if f.Required {
				missing = append(missing, f.Name)
			}
			continue
		}

		rec.Fields[f.Name] = raw

		switch {
		case f.Name == s.Key:
			rec.Key = raw
		case f.Name == s.Value:
			if v, err := parseNumber(raw); err == nil {
				rec.Value = v
			} else if f.Required {
				missing = append(missing, f.Name)
			}
		case f.Type == TypeTimestamp:
			if ts, err := parseTimestamp(raw); err == nil {
				rec.Timestamp = ts
			}
		case f.Type == TypeText && rec.Text == "":
			rec.Text = raw
		}
	}

	return rec, missing
}

func refine(raw, pattern string) (string, bool) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

var numberCleaner = regexp.MustCompile(`[^\d.\-]`)

// parseNumber tolerates currency symbols and thousands separators the way
// scraped price and count strings arrive.
func parseNumber(raw string) (float64, error) {
	cleaned := numberCleaner.ReplaceAllString(raw, "")
	if cleaned == "" {
		return 0, fmt.Errorf("parse: no digits in %q", raw)
	}
	return strconv.ParseFloat(cleaned, 64)
}

func parseTimestamp(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse: unrecognized timestamp %q", raw)
}
