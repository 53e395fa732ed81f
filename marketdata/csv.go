package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stackmotive/overlay/errors"
)

// LoadCSV reads "timestamp,symbol,price" rows into a SeriesSource.
// Timestamps are RFC3339. A header row is skipped when its first field is
// not a timestamp.
func LoadCSV(r io.Reader) (*SeriesSource, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	source := NewSeriesSource()
	batches := make(map[string][]Point)

	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WrapInvalid(err, "marketdata", "LoadCSV", fmt.Sprintf("read line %d", line))
		}

		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, errors.WrapInvalid(err, "marketdata", "LoadCSV", fmt.Sprintf("timestamp on line %d", line))
		}

		symbol := strings.TrimSpace(record[1])
		if symbol == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("empty symbol"), "marketdata", "LoadCSV",
				fmt.Sprintf("symbol on line %d", line))
		}

		price, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, errors.WrapInvalid(err, "marketdata", "LoadCSV", fmt.Sprintf("price on line %d", line))
		}

		batches[symbol] = append(batches[symbol], Point{Time: ts, Price: price})
	}

	for symbol, points := range batches {
		source.Add(symbol, points...)
	}
	return source, nil
}

// LoadCSVFile opens path and calls LoadCSV
func LoadCSVFile(path string) (*SeriesSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "marketdata", "LoadCSVFile", "open data file")
	}
	defer f.Close()
	return LoadCSV(f)
}
