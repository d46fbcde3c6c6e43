package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/anchortrade/rebalance-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// ReadBarsCSV parses OHLCV bars from r. The header selects the columns;
// timestamp, open, high, low, close and volume are required, dividend is
// optional. Timestamps are RFC3339 or bare dates (interpreted as UTC).
func ReadBarsCSV(r io.Reader) ([]types.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp", "open", "high", "low", "close", "volume"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", required)
		}
	}
	divIdx, hasDiv := col["dividend"]

	var bars []types.Bar
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line+1, err)
		}
		line++

		ts, err := parseBarTime(rec[col["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		bar := types.Bar{Timestamp: ts}
		fields := []struct {
			name string
			dst  *decimal.Decimal
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		}
		for _, f := range fields {
			d, err := decimal.NewFromString(strings.TrimSpace(rec[col[f.name]]))
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %s: %w", line, f.name, err)
			}
			*f.dst = d
		}
		if hasDiv && divIdx < len(rec) {
			raw := strings.TrimSpace(rec[divIdx])
			if raw != "" {
				d, err := decimal.NewFromString(raw)
				if err != nil {
					return nil, fmt.Errorf("csv line %d column dividend: %w", line, err)
				}
				bar.Dividend = d
			}
		}
		if len(bars) > 0 && !bar.Timestamp.After(bars[len(bars)-1].Timestamp) {
			return nil, fmt.Errorf("csv line %d: bars out of order at %s", line, bar.Timestamp)
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("csv contains no bars")
	}
	return bars, nil
}

// LoadBarsCSV reads bars from a file.
func LoadBarsCSV(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars file: %w", err)
	}
	defer f.Close()
	bars, err := ReadBarsCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bars, nil
}

func parseBarTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
