package datasets

import (
	"testing"
)

// rampSeries builds a synthetic matrix of n rows where row r = [r, r*10], so
// values encode their own row index.
func rampSeries(t *testing.T, n int) *SeriesMatrix {
	t.Helper()
	rows := make([][]float32, n)
	for r := range rows {
		rows[r] = []float32{float32(r), float32(r * 10)}
	}
	m, err := NewSeriesMatrix(nil, rows)
	if err != nil {
		t.Fatalf("failed to build ramp series: %v", err)
	}
	return m
}

func newRampGenerator(t *testing.T, cfg WindowConfig) *WindowGenerator {
	t.Helper()
	g, err := NewWindowGenerator(cfg)
	if err != nil {
		t.Fatalf("NewWindowGenerator failed: %v", err)
	}
	return g
}

func TestWindowGenerator_ChronologicalFirstBatch(t *testing.T) {
	m := rampSeries(t, 1000)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		MinIndex:      0,
		MaxIndex:      100,
		BatchSize:     4,
		Step:          2,
		TargetChannel: 1,
	})

	batch, err := g.NextBatch()
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	wantAnchors := []int{10, 11, 12, 13}
	if len(batch.Anchors) != len(wantAnchors) {
		t.Fatalf("anchors: got %v want %v", batch.Anchors, wantAnchors)
	}
	for i, a := range wantAnchors {
		if batch.Anchors[i] != a {
			t.Fatalf("anchors: got %v want %v", batch.Anchors, wantAnchors)
		}
	}

	// The first window (anchor 10) covers rows [0,2,4,6,8]; channel 0 values
	// encode row indices.
	if got := len(batch.Windows[0]); got != 5 {
		t.Fatalf("window length: got %d want lookback/step = 5", got)
	}
	wantRows := []float32{0, 2, 4, 6, 8}
	for j, want := range wantRows {
		if got := batch.Windows[0][j][0]; got != want {
			t.Fatalf("window row %d: got %v want %v", j, got, want)
		}
	}

	// The target is row 15's channel-1 value.
	if got := batch.Targets[0]; got != 150 {
		t.Fatalf("target: got %v want 150", got)
	}
}

func TestWindowGenerator_WindowIndicesWithinBounds(t *testing.T) {
	m := rampSeries(t, 1000)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      12,
		Delay:         3,
		MinIndex:      20,
		MaxIndex:      80,
		BatchSize:     7,
		Step:          3,
		TargetChannel: 1,
	})

	for pull := 0; pull < 30; pull++ {
		batch, err := g.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		for i, a := range batch.Anchors {
			if a < 20+12 || a >= 80 {
				t.Fatalf("anchor %d outside valid range [32,80)", a)
			}
			window := batch.Windows[i]
			if len(window) != 12/3 {
				t.Fatalf("window has %d rows, want 4", len(window))
			}
			for j, row := range window {
				idx := int(row[0]) // channel 0 encodes the row index
				if idx < a-12 || idx >= a {
					t.Fatalf("window row %d index %d outside [a-lookback, a) for anchor %d", j, idx, a)
				}
			}
			if want := float32((a + 3) * 10); batch.Targets[i] != want {
				t.Fatalf("target for anchor %d: got %v want %v", a, batch.Targets[i], want)
			}
		}
	}
}

func TestWindowGenerator_ContiguousBatchesAndWrap(t *testing.T) {
	m := rampSeries(t, 1000)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		MinIndex:      0,
		MaxIndex:      20,
		BatchSize:     4,
		Step:          2,
		TargetChannel: 1,
	})

	wantBatches := [][]int{
		{10, 11, 12, 13},
		{14, 15, 16, 17},
		{18, 19}, // truncated: only maxIndex-i anchors remain
		{10, 11, 12, 13},
	}
	for b, want := range wantBatches {
		batch, err := g.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch %d failed: %v", b, err)
		}
		if len(batch.Anchors) != len(want) {
			t.Fatalf("batch %d anchors: got %v want %v", b, batch.Anchors, want)
		}
		for i := range want {
			if batch.Anchors[i] != want[i] {
				t.Fatalf("batch %d anchors: got %v want %v", b, batch.Anchors, want)
			}
		}
		if len(batch.Targets) != len(want) || len(batch.Windows) != len(want) {
			t.Fatalf("batch %d: windows/targets sized %d/%d, want %d", b, len(batch.Windows), len(batch.Targets), len(want))
		}
	}
}

func TestWindowGenerator_WrapOnExactBoundary(t *testing.T) {
	m := rampSeries(t, 1000)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		MinIndex:      0,
		MaxIndex:      18,
		BatchSize:     4,
		Step:          2,
		TargetChannel: 1,
	})

	// 10..13, then 14..17 fills the range exactly (i+batchSize == maxIndex),
	// after which the cursor wraps.
	wantBatches := [][]int{
		{10, 11, 12, 13},
		{14, 15, 16, 17},
		{10, 11, 12, 13},
	}
	for b, want := range wantBatches {
		batch, err := g.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch %d failed: %v", b, err)
		}
		if len(batch.Anchors) != len(want) {
			t.Fatalf("batch %d anchors: got %v want %v", b, batch.Anchors, want)
		}
		for i := range want {
			if batch.Anchors[i] != want[i] {
				t.Fatalf("batch %d anchors: got %v want %v", b, batch.Anchors, want)
			}
		}
	}
}

func TestWindowGenerator_FreshInstancesAgree(t *testing.T) {
	m := rampSeries(t, 500)
	cfg := WindowConfig{
		Data:          m,
		Lookback:      20,
		Delay:         10,
		MinIndex:      0,
		MaxIndex:      200,
		BatchSize:     16,
		Step:          5,
		TargetChannel: 0,
	}

	g1 := newRampGenerator(t, cfg)
	g2 := newRampGenerator(t, cfg)

	for pull := 0; pull < 20; pull++ {
		b1, err := g1.NextBatch()
		if err != nil {
			t.Fatalf("g1 NextBatch failed: %v", err)
		}
		b2, err := g2.NextBatch()
		if err != nil {
			t.Fatalf("g2 NextBatch failed: %v", err)
		}
		if len(b1.Anchors) != len(b2.Anchors) {
			t.Fatalf("pull %d: anchor counts differ: %d vs %d", pull, len(b1.Anchors), len(b2.Anchors))
		}
		for i := range b1.Anchors {
			if b1.Anchors[i] != b2.Anchors[i] {
				t.Fatalf("pull %d: anchors differ at %d: %d vs %d", pull, i, b1.Anchors[i], b2.Anchors[i])
			}
			if b1.Targets[i] != b2.Targets[i] {
				t.Fatalf("pull %d: targets differ at %d", pull, i)
			}
		}
	}
}

func TestWindowGenerator_ShuffleSeededAndBounded(t *testing.T) {
	m := rampSeries(t, 500)
	cfg := WindowConfig{
		Data:          m,
		Lookback:      24,
		Delay:         6,
		MinIndex:      50,
		MaxIndex:      300,
		Shuffle:       true,
		BatchSize:     32,
		Step:          6,
		TargetChannel: 1,
		Seed:          42,
	}

	g1 := newRampGenerator(t, cfg)
	g2 := newRampGenerator(t, cfg)

	for pull := 0; pull < 10; pull++ {
		b1, err := g1.NextBatch()
		if err != nil {
			t.Fatalf("g1 NextBatch failed: %v", err)
		}
		b2, err := g2.NextBatch()
		if err != nil {
			t.Fatalf("g2 NextBatch failed: %v", err)
		}
		if len(b1.Anchors) != 32 {
			t.Fatalf("shuffled batch is always full-size; got %d", len(b1.Anchors))
		}
		for i, a := range b1.Anchors {
			if a < 50+24 || a >= 300 {
				t.Fatalf("shuffled anchor %d outside [74,300)", a)
			}
			if a != b2.Anchors[i] {
				t.Fatalf("same seed should reproduce anchors: pull %d index %d: %d vs %d", pull, i, a, b2.Anchors[i])
			}
		}
	}
}

func TestWindowGenerator_DefaultMaxIndex(t *testing.T) {
	m := rampSeries(t, 100)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		BatchSize:     128,
		Step:          2,
		TargetChannel: 1,
	})

	if got, want := g.Config.MaxIndex, 100-5-1; got != want {
		t.Fatalf("derived MaxIndex: got %d want %d", got, want)
	}

	// Even pulling far past a wrap, no target read can go past the matrix.
	for pull := 0; pull < 10; pull++ {
		batch, err := g.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch failed: %v", err)
		}
		for i, a := range batch.Anchors {
			if a+5 >= m.Rows() {
				t.Fatalf("target read at row %d past matrix of %d rows", a+5, m.Rows())
			}
			if want := float32((a + 5) * 10); batch.Targets[i] != want {
				t.Fatalf("target for anchor %d: got %v want %v", a, batch.Targets[i], want)
			}
		}
	}
}

func TestWindowGenerator_Restart(t *testing.T) {
	m := rampSeries(t, 200)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		MaxIndex:      100,
		BatchSize:     8,
		Step:          2,
		TargetChannel: 0,
	})

	first, err := g.NextBatch()
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	if _, err := g.NextBatch(); err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	if err := g.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	again, err := g.NextBatch()
	if err != nil {
		t.Fatalf("NextBatch after Restart failed: %v", err)
	}
	for i := range first.Anchors {
		if first.Anchors[i] != again.Anchors[i] {
			t.Fatalf("Restart should rewind to the first batch: got %v want %v", again.Anchors, first.Anchors)
		}
	}
}

func TestWindowBatchFlatAndYield(t *testing.T) {
	m := rampSeries(t, 200)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      12,
		Delay:         4,
		MaxIndex:      100,
		BatchSize:     6,
		Step:          3,
		TargetChannel: 1,
	})

	batch, err := g.NextBatch()
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}

	flat, err := MakeWindowBatchFlat(batch)
	if err != nil {
		t.Fatalf("MakeWindowBatchFlat failed: %v", err)
	}
	if flat.Batch != 6 || flat.Time != 4 || flat.Channels != 2 {
		t.Fatalf("unexpected flat dims: %+v", flat)
	}
	if len(flat.Inputs) != flat.Batch*flat.Time*flat.Channels {
		t.Fatalf("flat inputs length mismatch: %d vs %d", len(flat.Inputs), flat.Batch*flat.Time*flat.Channels)
	}
	if len(flat.Targets) != flat.Batch {
		t.Fatalf("flat targets length mismatch: %d vs %d", len(flat.Targets), flat.Batch)
	}

	// First window, first row round-trips through the flat layout.
	if flat.Inputs[0] != batch.Windows[0][0][0] || flat.Inputs[1] != batch.Windows[0][0][1] {
		t.Fatalf("flat layout mismatch at the first row")
	}

	inT, labT, err := flat.ToGomlxTensors()
	if err != nil {
		t.Fatalf("ToGomlxTensors failed: %v", err)
	}
	if inT == nil || labT == nil {
		t.Fatalf("ToGomlxTensors returned nil tensor(s)")
	}

	// Yield produces one input tensor and one label tensor per pull.
	_, inputs, labels, err := g.Yield()
	if err != nil {
		t.Fatalf("Yield failed: %v", err)
	}
	if len(inputs) != 1 || len(labels) != 1 || inputs[0] == nil || labels[0] == nil {
		t.Fatalf("Yield returned unexpected tensors: %d inputs, %d labels", len(inputs), len(labels))
	}
}

func TestBatchStream(t *testing.T) {
	m := rampSeries(t, 200)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		MaxIndex:      100,
		BatchSize:     4,
		Step:          2,
		TargetChannel: 1,
	})

	windows, targets, err := g.Stream().NextBatch()
	if err != nil {
		t.Fatalf("Stream NextBatch failed: %v", err)
	}
	if len(windows) != 4 || len(targets) != 4 {
		t.Fatalf("stream batch sized %d/%d, want 4/4", len(windows), len(targets))
	}
	if targets[0] != 150 {
		t.Fatalf("stream first target: got %v want 150", targets[0])
	}
}

func TestCommonSenseMAE_Exact(t *testing.T) {
	m := rampSeries(t, 1000)
	g := newRampGenerator(t, WindowConfig{
		Data:          m,
		Lookback:      10,
		Delay:         5,
		MaxIndex:      500,
		BatchSize:     16,
		Step:          2,
		TargetChannel: 0,
	})

	// On the ramp, the last window row is anchor-lookback+(len-1)*step =
	// anchor-2, and the target is anchor+delay, so every sample's absolute
	// error is exactly 7.
	mae, err := CommonSenseMAE(g, 5)
	if err != nil {
		t.Fatalf("CommonSenseMAE failed: %v", err)
	}
	if mae != 7 {
		t.Fatalf("baseline MAE: got %v want 7", mae)
	}

	if _, err := CommonSenseMAE(g, 0); err == nil {
		t.Fatalf("expected error for steps=0")
	}
}
