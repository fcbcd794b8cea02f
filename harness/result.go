// Package harness drives a remote-shell client through a benchmark battery
// and records what each operation cost.
package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
)

// Result holds everything measured for one protocol during a run. Times are
// in seconds and speeds in bytes per second.
type Result struct {
	Protocol       string           `json:"protocol"`
	Connected      bool             `json:"connected"`
	ConnectionTime float64          `json:"connection_time"`
	Commands       []CommandResult  `json:"commands"`
	FileTransfers  []TransferResult `json:"file_transfers"`
	DataSent       int64            `json:"data_sent"`
	DataReceived   int64            `json:"data_received"`
	Error          string           `json:"error"`
}

// CommandResult is the outcome of one command round trip.
type CommandResult struct {
	Command string  `json:"command"`
	Time    float64 `json:"time"`
	OK      bool    `json:"ok"`
	Error   string  `json:"error"`
}

// TransferResult is the outcome of one file upload.
type TransferResult struct {
	Name  string  `json:"name"`
	Size  int     `json:"size"`
	Time  float64 `json:"time"`
	Speed float64 `json:"speed"`
	OK    bool    `json:"ok"`
	Error string  `json:"error"`
}

// CommandTimes returns the times of the commands that succeeded.
func (r Result) CommandTimes() []float64 {
	times := make([]float64, 0, len(r.Commands))

	for _, c := range r.Commands {
		if c.OK {
			times = append(times, c.Time)
		}
	}

	return times
}

// AvgCommandTime returns the mean successful command time. ok is false when
// no command succeeded.
func (r Result) AvgCommandTime() (avg float64, ok bool) {
	times := r.CommandTimes()
	if len(times) == 0 {
		return 0, false
	}

	return sum(times) / float64(len(times)), true
}

// Transfer returns the successful transfer of the given size.
func (r Result) Transfer(size int) (TransferResult, bool) {
	i := slices.IndexFunc(r.FileTransfers, func(t TransferResult) bool {
		return t.OK && t.Size == size
	})
	if i < 0 {
		return TransferResult{}, false
	}

	return r.FileTransfers[i], true
}

// TransferSizes returns the sizes of all recorded transfers, ascending and
// without duplicates.
func (r Result) TransferSizes() []int {
	sizes := make([]int, 0, len(r.FileTransfers))
	for _, t := range r.FileTransfers {
		sizes = append(sizes, t.Size)
	}

	slices.Sort(sizes)

	return slices.Compact(sizes)
}

// AvgTransferSpeed returns the mean speed of the successful transfers.
func (r Result) AvgTransferSpeed() (avg float64, ok bool) {
	var speeds []float64

	for _, t := range r.FileTransfers {
		if t.OK {
			speeds = append(speeds, t.Speed)
		}
	}

	if len(speeds) == 0 {
		return 0, false
	}

	return sum(speeds) / float64(len(speeds)), true
}

// TotalTime is the connection time plus every successful command and
// transfer time.
func (r Result) TotalTime() float64 {
	total := r.ConnectionTime + sum(r.CommandTimes())

	for _, t := range r.FileTransfers {
		if t.OK {
			total += t.Time
		}
	}

	return total
}

// OverheadRatio is bytes sent divided by bytes received. ok is false when
// nothing was received.
func (r Result) OverheadRatio() (ratio float64, ok bool) {
	if r.DataReceived <= 0 {
		return 0, false
	}

	return float64(r.DataSent) / float64(r.DataReceived), true
}

// Efficiency is bytes received per second of total time.
func (r Result) Efficiency() float64 {
	total := r.TotalTime()
	if total <= 0 {
		return 0
	}

	return float64(r.DataReceived) / total
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}

	return total
}

func parseResult(protocol string, r io.Reader) (*Result, error) {
	var result Result
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	if result.Protocol == "" {
		result.Protocol = protocol
	}

	return &result, nil
}
