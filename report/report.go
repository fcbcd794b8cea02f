// Package report turns a comparison Record into the text report and chart.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/nisschay/sshcompare/harness"
)

const (
	WinnerTCP  = harness.ProtocolTCP
	WinnerUDP  = harness.ProtocolUDP
	WinnerTie  = "Tie"
	WinnerNone = "n/a"
)

// Measure is one protocol's value for a metric. OK is false when the
// measurement failed or was never taken.
type Measure struct {
	Value float64
	OK    bool
}

// LowerWins picks the protocol with the smaller value.
func LowerWins(tcp, udp Measure) string {
	return pick(tcp, udp, func(a, b float64) bool { return a < b })
}

// HigherWins picks the protocol with the larger value.
func HigherWins(tcp, udp Measure) string {
	return pick(tcp, udp, func(a, b float64) bool { return a > b })
}

func pick(tcp, udp Measure, better func(a, b float64) bool) string {
	switch {
	case !tcp.OK && !udp.OK:
		return WinnerNone
	case !udp.OK:
		return WinnerTCP
	case !tcp.OK:
		return WinnerUDP
	case better(tcp.Value, udp.Value):
		return WinnerTCP
	case better(udp.Value, tcp.Value):
		return WinnerUDP
	default:
		return WinnerTie
	}
}

// ConnectionTime returns the connection-time measure of r.
func ConnectionTime(r harness.Result) Measure {
	return Measure{Value: r.ConnectionTime, OK: r.Connected}
}

// AvgCommandTime returns the average-command-time measure of r.
func AvgCommandTime(r harness.Result) Measure {
	v, ok := r.AvgCommandTime()
	return Measure{Value: v, OK: ok}
}

// TransferSpeed returns r's transfer speed for files of size bytes.
func TransferSpeed(r harness.Result, size int) Measure {
	t, ok := r.Transfer(size)
	return Measure{Value: t.Speed, OK: ok}
}

// AvgTransferSpeed returns the mean transfer-speed measure of r.
func AvgTransferSpeed(r harness.Result) Measure {
	v, ok := r.AvgTransferSpeed()
	return Measure{Value: v, OK: ok}
}

// OverheadRatio returns the sent/received measure of r.
func OverheadRatio(r harness.Result) Measure {
	v, ok := r.OverheadRatio()
	return Measure{Value: v, OK: ok}
}

// Score is the points each protocol earned across the scored metrics.
type Score struct {
	TCP int
	UDP int
}

// Tally scores connection time, average command time, average transfer
// speed and overhead ratio. Ties and unmeasured metrics score nothing.
func Tally(rec Record) Score {
	winners := []string{
		LowerWins(ConnectionTime(rec.TCP), ConnectionTime(rec.UDP)),
		LowerWins(AvgCommandTime(rec.TCP), AvgCommandTime(rec.UDP)),
		HigherWins(AvgTransferSpeed(rec.TCP), AvgTransferSpeed(rec.UDP)),
		LowerWins(OverheadRatio(rec.TCP), OverheadRatio(rec.UDP)),
	}

	var s Score

	for _, w := range winners {
		switch w {
		case WinnerTCP:
			s.TCP++
		case WinnerUDP:
			s.UDP++
		}
	}

	return s
}

// Generate writes the plain-text comparison report for rec.
func Generate(w io.Writer, rec Record) error {
	var b strings.Builder

	b.WriteString("SSH Protocol Comparison Report\n")
	b.WriteString("==============================\n\n")

	// Connection.
	b.WriteString("Connection Time:\n")
	writeMeasure(&b, "TCP", ConnectionTime(rec.TCP), formatSeconds)
	writeMeasure(&b, "UDP", ConnectionTime(rec.UDP), formatSeconds)
	fmt.Fprintf(&b, "  Winner: %s\n\n",
		LowerWins(ConnectionTime(rec.TCP), ConnectionTime(rec.UDP)))

	// Commands.
	b.WriteString("Command Execution Time (average):\n")
	writeMeasure(&b, "TCP", AvgCommandTime(rec.TCP), formatSeconds)
	writeMeasure(&b, "UDP", AvgCommandTime(rec.UDP), formatSeconds)
	fmt.Fprintf(&b, "  Successful: TCP %d/%d, UDP %d/%d\n",
		len(rec.TCP.CommandTimes()), len(rec.TCP.Commands),
		len(rec.UDP.CommandTimes()), len(rec.UDP.Commands))
	fmt.Fprintf(&b, "  Winner: %s\n\n",
		LowerWins(AvgCommandTime(rec.TCP), AvgCommandTime(rec.UDP)))

	// Transfers.
	b.WriteString("File Transfer Performance:\n")

	for _, size := range transferSizes(rec) {
		fmt.Fprintf(&b, "  File Size: %.1f KB\n", float64(size)/1024)

		for _, p := range byProtocol(rec) {
			if t, ok := p.result.Transfer(size); ok {
				fmt.Fprintf(&b, "    %s: %.2f bytes/sec (%.4f sec)\n", p.name, t.Speed, t.Time)
			} else {
				fmt.Fprintf(&b, "    %s: failed\n", p.name)
			}
		}

		fmt.Fprintf(&b, "    Winner: %s\n\n",
			HigherWins(TransferSpeed(rec.TCP, size), TransferSpeed(rec.UDP, size)))
	}

	// Volume and overhead.
	b.WriteString("Data Transfer Efficiency:\n")
	for _, p := range byProtocol(rec) {
		r := p.result
		fmt.Fprintf(&b, "  %s: Sent %d bytes (%s), Received %d bytes (%s)\n",
			p.name,
			r.DataSent, formatBytes(uint64(max(r.DataSent, 0))),
			r.DataReceived, formatBytes(uint64(max(r.DataReceived, 0))),
		)
	}

	writeMeasure(&b, "TCP Overhead Ratio", OverheadRatio(rec.TCP), formatRatio)
	writeMeasure(&b, "UDP Overhead Ratio", OverheadRatio(rec.UDP), formatRatio)
	fmt.Fprintf(&b, "  Winner (lower is better): %s\n\n",
		LowerWins(OverheadRatio(rec.TCP), OverheadRatio(rec.UDP)))

	writeRecommendation(&b, Tally(rec))
	writeObservations(&b)

	_, err := io.WriteString(w, b.String())

	return err
}

func writeMeasure(b *strings.Builder, label string, m Measure, format func(float64) string) {
	if !m.OK {
		fmt.Fprintf(b, "  %s: failed\n", label)
		return
	}

	fmt.Fprintf(b, "  %s: %s\n", label, format(m.Value))
}

func writeRecommendation(b *strings.Builder, s Score) {
	b.WriteString("Overall Recommendation:\n")

	switch {
	case s.TCP > s.UDP:
		b.WriteString("  TCP is recommended for SSH implementation based on the benchmark results.\n")
		fmt.Fprintf(b, "  Score: TCP %d, UDP %d\n\n", s.TCP, s.UDP)
	case s.UDP > s.TCP:
		b.WriteString("  UDP is recommended for SSH implementation based on the benchmark results.\n")
		fmt.Fprintf(b, "  Score: UDP %d, TCP %d\n\n", s.UDP, s.TCP)
	default:
		b.WriteString("  Both protocols performed similarly overall. Consider your specific use case:\n")
		b.WriteString("  - Use TCP for reliable connections and standard compatibility\n")
		b.WriteString("  - Use UDP where minimizing latency is critical and packet loss is acceptable\n")
		fmt.Fprintf(b, "  Score: TCP %d, UDP %d\n\n", s.TCP, s.UDP)
	}
}

func writeObservations(b *strings.Builder) {
	b.WriteString("Protocol-Specific Observations:\n")
	b.WriteString("  TCP:\n")
	b.WriteString("  - Connection-oriented, reliable by design\n")
	b.WriteString("  - Standard protocol for SSH, widely compatible\n")
	b.WriteString("  - Better flow control and congestion handling\n")
	b.WriteString("  - More overhead for connection establishment\n\n")
	b.WriteString("  UDP:\n")
	b.WriteString("  - Connectionless, requires custom reliability mechanisms\n")
	b.WriteString("  - Non-standard for SSH, limited compatibility\n")
	b.WriteString("  - Potentially lower latency for small packets\n")
	b.WriteString("  - More prone to packet loss\n")
}

func transferSizes(rec Record) []int {
	seen := make(map[int]bool)

	var sizes []int

	for _, r := range []harness.Result{rec.TCP, rec.UDP} {
		for _, size := range r.TransferSizes() {
			if !seen[size] {
				seen[size] = true
				sizes = append(sizes, size)
			}
		}
	}

	slices.Sort(sizes)

	return sizes
}

type labeled struct {
	name   string
	result harness.Result
}

func byProtocol(rec Record) []labeled {
	return []labeled{
		{WinnerTCP, rec.TCP},
		{WinnerUDP, rec.UDP},
	}
}

func formatSeconds(s float64) string {
	return fmt.Sprintf("%.4f seconds", s)
}

func formatRatio(r float64) string {
	return fmt.Sprintf("%.2f", r)
}

func formatBytes(b uint64) string {
	if b == 0 {
		return "-"
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(b)
	unit := 0

	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	formatted := fmt.Sprintf("%.1f", size)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")

	return formatted + " " + units[unit]
}
