package datasets

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// WindowConfig configures a WindowGenerator.
//
// The generator makes no attempt to defend against configurations that are
// inconsistent with the matrix size (for example a Lookback wider than the
// anchor range); callers must guarantee validity.
type WindowConfig struct {
	// Data is the normalized series the windows are drawn from (read-only).
	Data *SeriesMatrix

	// Lookback is the number of raw timesteps each window spans before
	// subsampling.
	Lookback int

	// Delay is the number of raw timesteps from a window's anchor to the
	// target value.
	Delay int

	// MinIndex and MaxIndex bound (inclusive/exclusive) the rows anchors may
	// be drawn from. A zero MaxIndex is replaced with Rows()-Delay-1 so
	// targets never read past the end of the matrix.
	MinIndex int
	MaxIndex int

	// Shuffle draws each batch's anchors independently and uniformly at
	// random from [MinIndex+Lookback, MaxIndex); duplicates within a batch
	// are possible. When false, anchors advance chronologically and wrap back
	// to MinIndex+Lookback once the cursor would reach or exceed MaxIndex.
	Shuffle bool

	// BatchSize is the target number of anchors per batch (default 128). In
	// chronological mode the final batch before a wrap may be shorter.
	BatchSize int

	// Step is the subsampling stride within a window (default 6); each window
	// holds Lookback/Step rows.
	Step int

	// TargetChannel is the channel index of the forecast target.
	TargetChannel int

	// Seed controls the RNG used for shuffled anchor draws. If zero, a
	// time-based seed is used.
	Seed int64
}

// WindowGenerator produces an unbounded, pull-based sequence of
// (window, target) batches over a contiguous index range of a SeriesMatrix.
// Its only mutable state is the chronological cursor (and, in shuffle mode,
// the RNG), so a single instance is not safe for concurrent use, but distinct
// instances may be pulled in alternation over the same matrix.
type WindowGenerator struct {
	// Config used to build the generator, with defaults resolved.
	Config WindowConfig

	cursor int
	rng    *rand.Rand
}

// WindowBatch is one batch of training samples. Windows has shape
// [batch][Lookback/Step][channels]; Targets[i] is the target-channel value
// Delay timesteps after Anchors[i]. Window rows alias the backing matrix and
// must be treated as read-only.
type WindowBatch struct {
	Windows [][][]float32
	Targets []float32
	Anchors []int
}

// NewWindowGenerator validates the basic shape of cfg, resolves defaults and
// returns a generator positioned at the start of its range.
func NewWindowGenerator(cfg WindowConfig) (*WindowGenerator, error) {
	if cfg.Data == nil {
		return nil, fmt.Errorf("window generator needs a series matrix")
	}
	if cfg.Lookback <= 0 {
		return nil, fmt.Errorf("lookback must be positive, got %d", cfg.Lookback)
	}
	if cfg.Delay <= 0 {
		return nil, fmt.Errorf("delay must be positive, got %d", cfg.Delay)
	}
	if cfg.TargetChannel < 0 || cfg.TargetChannel >= cfg.Data.Channels() {
		return nil, fmt.Errorf("target channel %d out of range (series has %d channels)", cfg.TargetChannel, cfg.Data.Channels())
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 128
	}
	if cfg.Step == 0 {
		cfg.Step = 6
	}
	if cfg.MaxIndex == 0 {
		cfg.MaxIndex = cfg.Data.Rows() - cfg.Delay - 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	return &WindowGenerator{
		Config: cfg,
		cursor: cfg.MinIndex + cfg.Lookback,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// WindowLen returns the number of subsampled rows per window.
func (g *WindowGenerator) WindowLen() int {
	return g.Config.Lookback / g.Config.Step
}

// nextAnchors picks the anchor rows for one batch per the shuffle or
// chronological rule.
func (g *WindowGenerator) nextAnchors() []int {
	base := g.Config.MinIndex + g.Config.Lookback

	if g.Config.Shuffle {
		span := g.Config.MaxIndex - base
		anchors := make([]int, g.Config.BatchSize)
		for i := range anchors {
			anchors[i] = base + g.rng.Intn(span)
		}
		return anchors
	}

	end := g.cursor + g.Config.BatchSize
	if end > g.Config.MaxIndex {
		end = g.Config.MaxIndex
	}
	anchors := make([]int, 0, end-g.cursor)
	for a := g.cursor; a < end; a++ {
		anchors = append(anchors, a)
	}

	// Wrap once the running cursor would reach or exceed MaxIndex.
	if g.cursor+g.Config.BatchSize >= g.Config.MaxIndex {
		g.cursor = base
	} else {
		g.cursor = end
	}
	return anchors
}

// NextBatch produces the next batch of (window, target) samples. The sequence
// is unbounded; the caller decides when to stop pulling.
func (g *WindowGenerator) NextBatch() (*WindowBatch, error) {
	anchors := g.nextAnchors()
	winLen := g.WindowLen()

	batch := &WindowBatch{
		Windows: make([][][]float32, len(anchors)),
		Targets: make([]float32, len(anchors)),
		Anchors: anchors,
	}
	for i, a := range anchors {
		window := make([][]float32, winLen)
		for j := 0; j < winLen; j++ {
			window[j] = g.Config.Data.Row(a - g.Config.Lookback + j*g.Config.Step)
		}
		batch.Windows[i] = window
		batch.Targets[i] = g.Config.Data.At(a+g.Config.Delay, g.Config.TargetChannel)
	}
	return batch, nil
}

// Name returns the name of the dataset for gomlx training loops.
func (g *WindowGenerator) Name() string {
	return "WindowGenerator"
}

// Yield returns the next batch as gomlx tensors, implementing the gomlx
// train.Dataset interface. The input tensor has shape
// [batch, Lookback/Step, channels]; the label tensor has shape [batch].
func (g *WindowGenerator) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := g.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	flat, err := MakeWindowBatchFlat(batch)
	if err != nil {
		return nil, nil, nil, err
	}
	inT, labT, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{inT}, []*tensors.Tensor{labT}, nil
}

// Restart rewinds the chronological cursor to the start of the anchor range.
// Shuffled generators keep their random stream.
func (g *WindowGenerator) Restart() error {
	g.cursor = g.Config.MinIndex + g.Config.Lookback
	return nil
}

// BatchStream adapts a WindowGenerator to trainer interfaces that pull plain
// slices instead of WindowBatch values.
type BatchStream struct {
	gen *WindowGenerator
}

// Stream returns a BatchStream view of the generator. Both views advance the
// same cursor.
func (g *WindowGenerator) Stream() *BatchStream {
	return &BatchStream{gen: g}
}

// NextBatch returns the next batch's windows and targets.
func (s *BatchStream) NextBatch() ([][][]float32, []float32, error) {
	batch, err := s.gen.NextBatch()
	if err != nil {
		return nil, nil, err
	}
	return batch.Windows, batch.Targets, nil
}

// WindowBatchFlat stores a window batch in flat contiguous buffers along with
// shape metadata.
type WindowBatchFlat struct {
	Inputs  []float32
	Targets []float32

	Batch    int
	Time     int
	Channels int
}

// MakeWindowBatchFlat flattens a WindowBatch into contiguous buffers.
func MakeWindowBatchFlat(batch *WindowBatch) (*WindowBatchFlat, error) {
	if len(batch.Windows) != len(batch.Targets) {
		return nil, fmt.Errorf("windows and targets batch sizes don't match: %d != %d", len(batch.Windows), len(batch.Targets))
	}
	if len(batch.Windows) == 0 {
		return &WindowBatchFlat{}, nil
	}

	timeSteps := len(batch.Windows[0])
	if timeSteps == 0 {
		return nil, fmt.Errorf("windows have no timesteps")
	}
	channels := len(batch.Windows[0][0])

	flat := &WindowBatchFlat{
		Inputs:   make([]float32, len(batch.Windows)*timeSteps*channels),
		Targets:  make([]float32, len(batch.Targets)),
		Batch:    len(batch.Windows),
		Time:     timeSteps,
		Channels: channels,
	}
	copy(flat.Targets, batch.Targets)

	idx := 0
	for i, window := range batch.Windows {
		if len(window) != timeSteps {
			return nil, fmt.Errorf("window %d has %d timesteps, expected %d", i, len(window), timeSteps)
		}
		for j, row := range window {
			if len(row) != channels {
				return nil, fmt.Errorf("window %d row %d has %d channels, expected %d", i, j, len(row), channels)
			}
			copy(flat.Inputs[idx:], row)
			idx += channels
		}
	}
	return flat, nil
}

// ToGomlxTensors converts a WindowBatchFlat into gomlx tensors.
func (b *WindowBatchFlat) ToGomlxTensors() (inputs *tensors.Tensor, targets *tensors.Tensor, err error) {
	// handle empty batch gracefully
	if b.Batch == 0 || b.Time == 0 || b.Channels == 0 {
		emptyInputs := make([][][]float32, 0)
		emptyTargets := make([]float32, 0)
		return tensors.FromAnyValue(emptyInputs), tensors.FromAnyValue(emptyTargets), nil
	}

	// Reshape flat inputs into a 3D slice
	data := make([][][]float32, b.Batch)
	idx := 0
	for i := 0; i < b.Batch; i++ {
		data[i] = make([][]float32, b.Time)
		for j := 0; j < b.Time; j++ {
			data[i][j] = b.Inputs[idx : idx+b.Channels]
			idx += b.Channels
		}
	}
	return tensors.FromAnyValue(data), tensors.FromAnyValue(b.Targets), nil
}
