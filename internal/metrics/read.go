package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"nodie/internal/model"
)

// ReadSamplesCSV loads probe samples from a CSV file. A missing file
// yields no samples.
func ReadSamplesCSV(path string) ([]model.SpeedSample, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	return readSamples(file)
}

func readSamples(r io.Reader) ([]model.SpeedSample, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.SpeedSample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(sampleHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		down, _ := strconv.ParseFloat(rec[1], 64)
		up, _ := strconv.ParseFloat(rec[2], 64)
		latency, _ := strconv.ParseFloat(rec[3], 64)
		items = append(items, model.SpeedSample{
			DownloadBps: down * 1e6,
			UploadBps:   up * 1e6,
			LatencyMs:   latency,
			MeasuredAt:  ts,
		})
	}

	return items, nil
}
