package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// SeriesMatrix holds a multivariate time series in memory: one row per
// fixed-interval timestep, K float32 channels per row, in chronological
// order. Row order is assumed chronological; gaps are neither assumed nor
// validated.
type SeriesMatrix struct {
	// channelNames are the header names of the numeric columns, in order.
	channelNames []string

	// data is row-major: data[r*channels : (r+1)*channels] is row r.
	data []float32

	rows     int
	channels int
}

// LoadSeriesCSV reads a weather-style CSV into a SeriesMatrix. The first
// header field names a timestamp column whose values are skipped; every
// remaining field of every row must parse as a number. A row with the wrong
// field count or a non-numeric value fails the load with an error naming the
// offending line.
func LoadSeriesCSV(path string) (*SeriesMatrix, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open series CSV %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("header of %s has %d fields, need a timestamp column plus at least one channel", path, len(header))
	}

	channels := len(header) - 1
	names := make([]string, channels)
	for i := 1; i < len(header); i++ {
		names[i-1] = strings.TrimSpace(header[i])
	}

	m := &SeriesMatrix{
		channelNames: names,
		channels:     channels,
	}

	// Header is line 1; data rows start at line 2. The csv reader enforces a
	// consistent field count against the header, so a short or long row
	// surfaces here as a read error.
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read %s line %d: %w", path, line, err)
		}

		// First field is the timestamp string; only the numeric channels are kept.
		for c := 1; c < len(record); c++ {
			v, err := parseFloat32(record[c])
			if err != nil {
				return nil, fmt.Errorf("non-numeric value %q in %s line %d column %q: %w",
					record[c], path, line, names[c-1], err)
			}
			m.data = append(m.data, v)
		}
		m.rows++
	}

	if m.rows == 0 {
		return nil, fmt.Errorf("series CSV %s contains no data rows", path)
	}
	return m, nil
}

// NewSeriesMatrix builds a SeriesMatrix from rows already in memory. All rows
// must have the same length. Useful for synthetic series in tests and tools.
func NewSeriesMatrix(channelNames []string, rows [][]float32) (*SeriesMatrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows provided")
	}
	channels := len(rows[0])
	if channels == 0 {
		return nil, fmt.Errorf("rows have no channels")
	}
	if channelNames == nil {
		channelNames = make([]string, channels)
		for i := range channelNames {
			channelNames[i] = fmt.Sprintf("ch%d", i)
		}
	}
	if len(channelNames) != channels {
		return nil, fmt.Errorf("have %d channel names for %d channels", len(channelNames), channels)
	}

	m := &SeriesMatrix{
		channelNames: channelNames,
		channels:     channels,
		rows:         len(rows),
		data:         make([]float32, 0, len(rows)*channels),
	}
	for i, row := range rows {
		if len(row) != channels {
			return nil, fmt.Errorf("row %d has %d channels, expected %d", i, len(row), channels)
		}
		m.data = append(m.data, row...)
	}
	return m, nil
}

// Rows returns the number of timesteps in the series.
func (m *SeriesMatrix) Rows() int { return m.rows }

// Channels returns the number of measured channels per timestep.
func (m *SeriesMatrix) Channels() int { return m.channels }

// ChannelNames returns the header names of the channels, in column order.
func (m *SeriesMatrix) ChannelNames() []string { return m.channelNames }

// ChannelIndex returns the index of the named channel, or an error if the
// series has no such column. Matching is case-insensitive on trimmed names.
func (m *SeriesMatrix) ChannelIndex(name string) (int, error) {
	want := strings.TrimSpace(strings.ToLower(name))
	for i, n := range m.channelNames {
		if strings.ToLower(n) == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("channel %q not found (have %v)", name, m.channelNames)
}

// At returns the value of channel ch at row r.
func (m *SeriesMatrix) At(r, ch int) float32 {
	return m.data[r*m.channels+ch]
}

// Row returns row r as a slice aliasing the backing array. Callers must treat
// it as read-only.
func (m *SeriesMatrix) Row(r int) []float32 {
	return m.data[r*m.channels : (r+1)*m.channels]
}

// NormStats holds the per-channel mean and standard deviation used to
// normalize a SeriesMatrix. The statistics come from the training prefix only
// but are applied to the entire matrix, so they also convert normalized
// predictions back to physical units for any range.
type NormStats struct {
	Mean []float64
	Std  []float64
}

// Denormalize maps a normalized value of channel ch back to its original
// scale.
func (s *NormStats) Denormalize(ch int, v float32) float32 {
	return float32(float64(v)*s.Std[ch] + s.Mean[ch])
}

// DenormalizeSpread maps a normalized difference (an error magnitude, say an
// MAE) of channel ch back to original units. Differences shift by mean on
// both sides, so only the scale applies.
func (s *NormStats) DenormalizeSpread(ch int, v float32) float32 {
	return float32(float64(v) * s.Std[ch])
}

// Normalize computes per-channel mean and standard deviation over rows
// [0, trainRows) and applies them in place to every row of the matrix,
// including rows past the training range. It returns the statistics for
// later denormalization.
//
// Applying training statistics to the full matrix assumes validation/test
// rows are distributed like training rows; that is the intended behavior for
// this loader, not an oversight.
func (m *SeriesMatrix) Normalize(trainRows int) (*NormStats, error) {
	if trainRows <= 0 || trainRows > m.rows {
		return nil, fmt.Errorf("trainRows %d out of range (1..%d)", trainRows, m.rows)
	}

	stats := &NormStats{
		Mean: make([]float64, m.channels),
		Std:  make([]float64, m.channels),
	}

	col := make([]float64, trainRows)
	for ch := 0; ch < m.channels; ch++ {
		for r := 0; r < trainRows; r++ {
			col[r] = float64(m.At(r, ch))
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 {
			return nil, fmt.Errorf("channel %q is constant over the training range; cannot normalize", m.channelNames[ch])
		}
		stats.Mean[ch] = mean
		stats.Std[ch] = std
	}

	for r := 0; r < m.rows; r++ {
		row := m.Row(r)
		for ch := range row {
			row[ch] = float32((float64(row[ch]) - stats.Mean[ch]) / stats.Std[ch])
		}
	}
	return stats, nil
}
