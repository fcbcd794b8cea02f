package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nisschay/sshcompare/harness"
)

// Record is the metrics file of one comparison run.
type Record struct {
	TCP       harness.Result `json:"tcp"`
	UDP       harness.Result `json:"udp"`
	Timestamp float64        `json:"timestamp"`
}

// NewRecord stamps a Record with the current time.
func NewRecord(tcp, udp harness.Result) Record {
	return Record{
		TCP:       tcp,
		UDP:       udp,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// WriteJSON writes rec as indented JSON to w.
func WriteJSON(w io.Writer, rec Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(rec)
}

// Load reads a metrics file written by WriteJSON.
func Load(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("open metrics %s: %w", path, err)
	}
	defer f.Close()

	var rec Record
	if err := json.NewDecoder(f).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode metrics %s: %w", path, err)
	}

	return rec, nil
}

// Names are the file names of the three run artifacts.
type Names struct {
	Metrics string
	Report  string
	Chart   string
}

// DefaultNames returns the artifact names the comparison has always used.
func DefaultNames() Names {
	return Names{
		Metrics: "ssh_benchmark_results.json",
		Report:  "ssh_comparison_report.txt",
		Chart:   "ssh_protocol_comparison.png",
	}
}

// Artifacts describes what WriteArtifacts produced.
type Artifacts struct {
	MetricsPath string
	ReportPath  string
	ChartPath   string
	Report      string
	// ChartErr is set when the chart could not be rendered. The metrics
	// file and report are still written.
	ChartErr error
}

// WriteArtifacts writes the metrics file, the text report and the chart
// into dir, replacing any previous run's files.
func WriteArtifacts(dir string, names Names, rec Record) (Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("create output dir %s: %w", dir, err)
	}

	out := Artifacts{
		MetricsPath: filepath.Join(dir, names.Metrics),
		ReportPath:  filepath.Join(dir, names.Report),
		ChartPath:   filepath.Join(dir, names.Chart),
	}

	if err := writeFile(out.MetricsPath, func(w io.Writer) error {
		return WriteJSON(w, rec)
	}); err != nil {
		return out, err
	}

	var text []byte

	if err := writeFile(out.ReportPath, func(w io.Writer) error {
		buf := &captureWriter{w: w}
		err := Generate(buf, rec)
		text = buf.data

		return err
	}); err != nil {
		return out, err
	}

	out.Report = string(text)
	out.ChartErr = Chart(out.ChartPath, rec)

	return out, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	return nil
}

// captureWriter keeps a copy of everything written through it.
type captureWriter struct {
	w    io.Writer
	data []byte
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.data = append(c.data, p...)
	return c.w.Write(p)
}
