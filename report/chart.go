package report

import (
	"fmt"
	"image/color"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	chartWidth  = 15 * vg.Inch
	chartHeight = 10 * vg.Inch
	barWidth    = 40
)

var (
	tcpColor = plotutil.Color(0)
	udpColor = plotutil.Color(1)
)

// Chart renders the six comparison panels of rec into a PNG at path.
func Chart(path string, rec Record) error {
	panels := []func(Record) (*plot.Plot, error){
		connectionPanel,
		commandPanel,
		transferPanel,
		distributionPanel,
		volumePanel,
		efficiencyPanel,
	}

	plots := make([][]*plot.Plot, 2)
	for i, panel := range panels {
		p, err := panel(rec)
		if err != nil {
			return fmt.Errorf("chart panel %d: %w", i+1, err)
		}

		plots[i/3] = append(plots[i/3], p)
	}

	img := vgimg.New(chartWidth, chartHeight)
	dc := draw.New(img)

	tiles := draw.Tiles{
		Rows:      2,
		Cols:      3,
		PadX:      vg.Millimeter * 4,
		PadY:      vg.Millimeter * 4,
		PadTop:    vg.Millimeter * 2,
		PadBottom: vg.Millimeter * 2,
		PadLeft:   vg.Millimeter * 2,
		PadRight:  vg.Millimeter * 2,
	}

	canvases := plot.Align(plots, tiles, dc)
	for row := range plots {
		for col, p := range plots[row] {
			p.Draw(canvases[row][col])
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart %s: %w", path, err)
	}

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write chart %s: %w", path, err)
	}

	return f.Close()
}

func newPlot(title, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = ylabel

	return p
}

// protocolBars draws one bar per protocol, coloured per protocol.
func protocolBars(p *plot.Plot, tcp, udp float64) error {
	for i, v := range []struct {
		value float64
		color color.Color
	}{{tcp, tcpColor}, {udp, udpColor}} {
		values := plotter.Values{0, 0}
		values[i] = finite(v.value)

		bars, err := plotter.NewBarChart(values, vg.Points(barWidth))
		if err != nil {
			return err
		}

		bars.Color = v.color
		bars.LineStyle.Width = 0
		p.Add(bars)
	}

	p.NominalX(WinnerTCP, WinnerUDP)

	return nil
}

func connectionPanel(rec Record) (*plot.Plot, error) {
	p := newPlot("Connection Time (lower is better)", "Time (seconds)")
	err := protocolBars(p, ConnectionTime(rec.TCP).Value, ConnectionTime(rec.UDP).Value)

	return p, err
}

func commandPanel(rec Record) (*plot.Plot, error) {
	p := newPlot("Avg Command Execution Time (lower is better)", "Time (seconds)")
	err := protocolBars(p, AvgCommandTime(rec.TCP).Value, AvgCommandTime(rec.UDP).Value)

	return p, err
}

func transferPanel(rec Record) (*plot.Plot, error) {
	p := newPlot("File Transfer Speed (higher is better)", "Speed (bytes/sec)")
	p.X.Label.Text = "File Size (bytes)"

	sizes := transferSizes(rec)
	if len(sizes) == 0 {
		return p, nil
	}

	w := vg.Points(barWidth / 2)

	for i, pr := range byProtocol(rec) {
		values := make(plotter.Values, len(sizes))
		for j, size := range sizes {
			values[j] = finite(TransferSpeed(pr.result, size).Value)
		}

		bars, err := plotter.NewBarChart(values, w)
		if err != nil {
			return nil, err
		}

		bars.Color = plotutil.Color(i)
		bars.LineStyle.Width = 0
		bars.Offset = vg.Length(2*i-1) * w / 2

		p.Add(bars)
		p.Legend.Add(pr.name, bars)
	}

	labels := make([]string, len(sizes))
	for i, size := range sizes {
		labels[i] = fmt.Sprintf("%.0fKB", float64(size)/1024)
	}

	p.NominalX(labels...)
	p.Legend.Top = true

	return p, nil
}

func distributionPanel(rec Record) (*plot.Plot, error) {
	p := newPlot("Command Execution Time Distribution", "Time (seconds)")

	for i, pr := range byProtocol(rec) {
		times := pr.result.CommandTimes()
		if len(times) == 0 {
			continue
		}

		box, err := plotter.NewBoxPlot(vg.Points(barWidth), float64(i), plotter.Values(times))
		if err != nil {
			return nil, err
		}

		box.FillColor = plotutil.Color(i)
		p.Add(box)
	}

	p.NominalX(WinnerTCP, WinnerUDP)

	return p, nil
}

func volumePanel(rec Record) (*plot.Plot, error) {
	p := newPlot("Data Transfer Volume", "Bytes")

	w := vg.Points(barWidth / 2)
	series := []struct {
		name   string
		values plotter.Values
	}{
		{"Sent", plotter.Values{float64(rec.TCP.DataSent), float64(rec.UDP.DataSent)}},
		{"Received", plotter.Values{float64(rec.TCP.DataReceived), float64(rec.UDP.DataReceived)}},
	}

	for i, s := range series {
		bars, err := plotter.NewBarChart(s.values, w)
		if err != nil {
			return nil, err
		}

		bars.Color = plotutil.Color(i + 2)
		bars.LineStyle.Width = 0
		bars.Offset = vg.Length(2*i-1) * w / 2

		p.Add(bars)
		p.Legend.Add(s.name, bars)
	}

	p.NominalX(WinnerTCP, WinnerUDP)
	p.Legend.Top = true

	return p, nil
}

func efficiencyPanel(rec Record) (*plot.Plot, error) {
	p := newPlot("Protocol Efficiency", "Bytes received per second")
	err := protocolBars(p, rec.TCP.Efficiency(), rec.UDP.Efficiency())

	return p, err
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}

	return v
}
