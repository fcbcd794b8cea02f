// Package battery generates the deterministic benchmark battery both
// transports are driven through: a run of echo commands followed by one
// upload per configured file size. Batteries serialise as JSONL so a run
// can be replayed from a file.
package battery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
)

const (
	OpCommand = "command"
	OpUpload  = "upload"

	// PatternFill fills uploads with 'X'.
	PatternFill = "fill"
	// PatternRandom fills uploads with seeded pseudo-random bytes.
	PatternRandom = "random"
)

// Operation is a single step of the battery.
type Operation struct {
	Op      string `json:"op"`
	Command string `json:"command,omitempty"`
	File    string `json:"file,omitempty"`
	Size    int    `json:"size,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Seed    int64  `json:"seed,omitempty"`
}

// Payload returns the upload body for an upload operation.
func (op Operation) Payload() []byte {
	if op.Pattern == PatternRandom {
		buf := make([]byte, op.Size)
		mrand.New(mrand.NewSource(op.Seed + int64(op.Size))).Read(buf)

		return buf
	}

	return Payload(op.Size)
}

// Payload returns a size-byte body filled with 'X'.
func Payload(size int) []byte {
	if size <= 0 {
		return []byte{}
	}

	return bytes.Repeat([]byte("X"), size)
}

// Summary contains statistics about a battery.
type Summary struct {
	TotalOperations int
	Commands        int
	Uploads         int
	PayloadBytes    int
}

// Config controls battery generation.
type Config struct {
	NumCommands int
	FileSizes   []int
	Pattern     string
	Seed        int64
}

// DefaultConfig returns the battery the comparison runs by default:
// ten commands and 1 KiB, 10 KiB and 100 KiB uploads.
func DefaultConfig() Config {
	return Config{
		NumCommands: 10,
		FileSizes:   []int{1024, 10 * 1024, 100 * 1024},
		Pattern:     PatternFill,
	}
}

// Generator produces a battery from a Config.
type Generator struct {
	cfg Config
}

// NewGenerator creates a Generator from the given Config.
func NewGenerator(cfg Config) *Generator {
	if cfg.Pattern == "" {
		cfg.Pattern = PatternFill
	}

	return &Generator{cfg: cfg}
}

// Operations returns the battery in execution order.
func (g *Generator) Operations() []Operation {
	ops := make([]Operation, 0, g.cfg.NumCommands+len(g.cfg.FileSizes))

	for i := 0; i < g.cfg.NumCommands; i++ {
		ops = append(ops, Operation{
			Op:      OpCommand,
			Command: fmt.Sprintf("echo This is test command %d", i),
		})
	}

	for _, size := range g.cfg.FileSizes {
		op := Operation{
			Op:      OpUpload,
			File:    fmt.Sprintf("test_file_%d.txt", size),
			Size:    size,
			Pattern: g.cfg.Pattern,
		}
		if g.cfg.Pattern == PatternRandom {
			op.Seed = g.cfg.Seed
		}

		ops = append(ops, op)
	}

	return ops
}

// Generate writes the battery to w as JSONL and returns a Summary.
func (g *Generator) Generate(w io.Writer) (Summary, error) {
	ops := g.Operations()

	if err := Write(w, ops); err != nil {
		return Summary{}, err
	}

	return Summarize(ops), nil
}

// Write encodes ops to w as JSONL, one operation per line.
func Write(w io.Writer, ops []Operation) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	for i, op := range ops {
		if err := enc.Encode(op); err != nil {
			return fmt.Errorf("encode operation %d: %w", i, err)
		}
	}

	return nil
}

// Summarize counts the operations in ops.
func Summarize(ops []Operation) Summary {
	var summary Summary

	for _, op := range ops {
		summary.TotalOperations++

		switch op.Op {
		case OpCommand:
			summary.Commands++
		case OpUpload:
			summary.Uploads++
			summary.PayloadBytes += op.Size
		}
	}

	return summary
}

// Decode reads a JSONL battery and validates every operation.
func Decode(r io.Reader) ([]Operation, error) {
	var ops []Operation

	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var op Operation
		if err := json.Unmarshal(line, &op); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		if err := validate(op); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}

		ops = append(ops, op)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read battery: %w", err)
	}

	return ops, nil
}

func validate(op Operation) error {
	switch op.Op {
	case OpCommand:
		if op.Command == "" {
			return fmt.Errorf("command op without command")
		}
	case OpUpload:
		if op.File == "" {
			return fmt.Errorf("upload op without file name")
		}
		if op.Size < 0 {
			return fmt.Errorf("upload %s: negative size %d", op.File, op.Size)
		}
		if op.Pattern != "" && op.Pattern != PatternFill && op.Pattern != PatternRandom {
			return fmt.Errorf("upload %s: unknown pattern %q", op.File, op.Pattern)
		}
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}

	return nil
}
