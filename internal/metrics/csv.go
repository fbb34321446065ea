package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"nodie/internal/model"
)

var eventHeader = []string{
	"seq",
	"id",
	"node_id",
	"start",
	"end",
	"duration_sec",
	"tier",
	"ip_class",
	"multiplier",
	"points",
	"acked",
}

var sampleHeader = []string{
	"timestamp",
	"download_mbps",
	"upload_mbps",
	"latency_ms",
}

// WriteEventsCSV writes accrual events to CSV with a fixed column order.
func WriteEventsCSV(w io.Writer, events []model.AccrualEvent) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(eventHeader); err != nil {
		return err
	}
	for _, ev := range events {
		record := []string{
			strconv.FormatUint(ev.Seq, 10),
			ev.ID,
			ev.NodeID,
			ev.Start.UTC().Format(time.RFC3339Nano),
			ev.End.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(ev.Duration().Seconds(), 'f', 3, 64),
			string(ev.Tier),
			string(ev.IPClass),
			strconv.FormatFloat(ev.Multiplier, 'f', 3, 64),
			strconv.FormatFloat(ev.Points, 'f', 6, 64),
			strconv.FormatBool(ev.Acked),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// AppendSamplesCSV appends probe samples to path, writing the header when
// the file is new.
func AppendSamplesCSV(path string, samples []model.SpeedSample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(sampleHeader); err != nil {
			return err
		}
	}
	for _, s := range samples {
		record := []string{
			s.MeasuredAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(s.DownloadMbps(), 'f', 3, 64),
			strconv.FormatFloat(s.UploadMbps(), 'f', 3, 64),
			strconv.FormatFloat(s.LatencyMs, 'f', 3, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// SampleLog appends every probe sample to a CSV file.
type SampleLog struct {
	Path string
}

func (l SampleLog) Record(s model.SpeedSample) error {
	return AppendSamplesCSV(l.Path, []model.SpeedSample{s})
}
