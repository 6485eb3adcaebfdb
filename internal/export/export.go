// Package export writes acquired records to CSV and NDJSON files and
// builds the ranked summary the CLI prints.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/harwick/trendscope/internal/query"
	"github.com/harwick/trendscope/internal/trends"
)

// headers defines the CSV column order
var headers = []string{
	"id",
	"timestamp",
	"key",
	"value",
	"text",
	"source",
	"geo",
	"fields_json",
}

// WriteCSV writes the records as CSV with a header row.
func WriteCSV(w io.Writer, records []query.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, rec := range records {
		fieldsJSON := ""
		if len(rec.Fields) > 0 {
			raw, err := json.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("export: encode fields: %w", err)
			}
			fieldsJSON = string(raw)
		}
		row := []string{
			rec.ID,
			rec.Timestamp.Format(time.RFC3339Nano),
			rec.Key,
			strconv.FormatFloat(rec.Value, 'f', -1, 64),
			rec.Text,
			rec.Source,
			rec.Geo,
			fieldsJSON,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the records as NDJSON, one record per line.
func WriteJSON(w io.Writer, records []query.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export: encode record: %w", err)
		}
	}
	return nil
}

// ToFile writes records to path, choosing the format from the extension
// (.csv or .json / .ndjson).
func ToFile(path string, records []query.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	var writeErr error
	switch {
	case hasExt(path, ".csv"):
		writeErr = WriteCSV(f, records)
	case hasExt(path, ".json"), hasExt(path, ".ndjson"):
		writeErr = WriteJSON(f, records)
	default:
		writeErr = fmt.Errorf("export: unknown extension on %s", path)
	}
	if writeErr != nil {
		return writeErr
	}
	return f.Close()
}

func hasExt(path, ext string) bool {
	return len(path) > len(ext) && path[len(path)-len(ext):] == ext
}

// SummaryRow aggregates every record sharing one key.
type SummaryRow struct {
	Key      string
	Count    int
	AvgValue float64
	MaxValue float64
}

// Summarize groups records by key and ranks the groups by average value,
// highest first, keeping at most n rows. n <= 0 means no bound.
func Summarize(records []query.Record, n int) []SummaryRow {
	type agg struct {
		sum, max float64
		count    int
	}
	byKey := make(map[string]*agg)
	var order []string
	for _, rec := range records {
		a, ok := byKey[rec.Key]
		if !ok {
			a = &agg{}
			byKey[rec.Key] = a
			order = append(order, rec.Key)
		}
		a.sum += rec.Value
		a.count++
		if rec.Value > a.max {
			a.max = rec.Value
		}
	}

	rows := make([]SummaryRow, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		rows = append(rows, SummaryRow{
			Key:      key,
			Count:    a.count,
			AvgValue: a.sum / float64(a.count),
			MaxValue: a.max,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].AvgValue > rows[j].AvgValue })

	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// WriteTrendSummary renders trend analyses as aligned text, ranked by
// trend score. n <= 0 means no bound.
func WriteTrendSummary(w io.Writer, analyses []trends.Analysis, n int) error {
	if n > 0 && len(analyses) > n {
		analyses = analyses[:n]
	}
	for i, a := range analyses {
		_, err := fmt.Fprintf(w, "%2d. %-40s score=%6.3f momentum=%+7.2f avg=%8.2f max=%8.2f\n",
			i+1, a.Keyword, a.Score, a.Momentum, a.AvgInterest, a.MaxInterest)
		if err != nil {
			return fmt.Errorf("export: write trend summary: %w", err)
		}
	}
	return nil
}

// WriteSummary renders a summary as aligned text, one row per key.
func WriteSummary(w io.Writer, rows []SummaryRow) error {
	for i, row := range rows {
		_, err := fmt.Fprintf(w, "%2d. %-40s avg=%8.2f max=%8.2f n=%d\n",
			i+1, row.Key, row.AvgValue, row.MaxValue, row.Count)
		if err != nil {
			return fmt.Errorf("export: write summary: %w", err)
		}
	}
	return nil
}
