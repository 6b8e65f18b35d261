package main

// Command forecast trains a GRU temperature forecaster on a weather CSV.
//
// It loads the series, normalizes every channel with statistics from the
// training prefix, builds train/validation/test window generators over
// disjoint row ranges, reports the common-sense baseline (predict the last
// observed temperature), trains the model, evaluates it on the test range and
// writes a loss-history plot.

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jenacast/jenacast/datasets"
	"github.com/jenacast/jenacast/gru"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	// CLI flags
	csvPath := flag.String("csv", "assets/jena_climate_2009_2016.csv", "path to the weather CSV (timestamp column followed by numeric channels)")
	target := flag.String("target", "T (degC)", "header name of the forecast target channel")
	lookback := flag.Int("lookback", 1440, "raw timesteps each input window spans before subsampling")
	step := flag.Int("step", 6, "subsampling stride within a window (window length = lookback/step rows)")
	delay := flag.Int("delay", 144, "raw timesteps between a window's anchor and its target")
	batchSize := flag.Int("batch-size", 128, "number of windows per batch")
	trainRows := flag.Int("train-rows", 200000, "rows forming the training range; normalization statistics come from these rows only")
	valRows := flag.Int("val-rows", 100000, "rows after the training range forming the validation range; the rest is the test range")

	units := flag.String("units", "32", "comma-separated GRU layer sizes, e.g. '32' for one layer or '64,64' for a stack")
	dropout := flag.Float64("dropout", 0.0, "dropout rate on each GRU layer's inputs")
	recDropout := flag.Float64("recurrent-dropout", 0.0, "dropout rate on each GRU layer's recurrent state")
	optimizer := flag.String("optimizer", "rmsprop", "optimizer to use for training: 'rmsprop' or 'sgd'")
	learningRate := flag.Float64("learning-rate", 0.001, "learning rate for training")
	clipNorm := flag.Float64("clip-norm", 5.0, "global gradient clipping norm")

	epochs := flag.Int("epochs", 20, "number of training epochs")
	stepsPerEpoch := flag.Int("steps-per-epoch", 500, "training batches per epoch")
	valSteps := flag.Int("val-steps", 0, "validation batches per epoch (0 = derive from the validation range)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	outDir := flag.String("out", "plots", "output directory for generated plots")

	flag.Parse()

	// -csv may point at a directory holding the CSV.
	path := *csvPath
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		found, err := datasets.FindCSVInAssets(path)
		if err != nil {
			log.Fatalf("failed to locate CSV: %v", err)
		}
		path = found
	}

	series, err := datasets.LoadSeriesCSV(path)
	if err != nil {
		log.Fatalf("failed to load series: %v", err)
	}
	log.Printf("Loaded %s: %d rows x %d channels", path, series.Rows(), series.Channels())

	targetCh, err := series.ChannelIndex(*target)
	if err != nil {
		log.Fatalf("bad target channel: %v", err)
	}

	stats, err := series.Normalize(*trainRows)
	if err != nil {
		log.Fatalf("failed to normalize series: %v", err)
	}
	log.Printf("Normalized on first %d rows; target %q mean=%.3f std=%.3f",
		*trainRows, *target, stats.Mean[targetCh], stats.Std[targetCh])

	valEnd := *trainRows + *valRows
	if valEnd >= series.Rows() {
		log.Fatalf("train-rows(%d)+val-rows(%d) leaves no test range in %d rows", *trainRows, *valRows, series.Rows())
	}

	newGen := func(minIdx, maxIdx int, shuffle bool) *datasets.WindowGenerator {
		g, err := datasets.NewWindowGenerator(datasets.WindowConfig{
			Data:          series,
			Lookback:      *lookback,
			Delay:         *delay,
			MinIndex:      minIdx,
			MaxIndex:      maxIdx,
			Shuffle:       shuffle,
			BatchSize:     *batchSize,
			Step:          *step,
			TargetChannel: targetCh,
			Seed:          *seed,
		})
		if err != nil {
			log.Fatalf("failed to build window generator [%d,%d): %v", minIdx, maxIdx, err)
		}
		return g
	}

	trainGen := newGen(0, *trainRows, true)
	valGen := newGen(*trainRows, valEnd, false)
	testGen := newGen(valEnd, 0, false) // MaxIndex derived from the series

	vs := *valSteps
	if vs == 0 {
		vs = (*valRows - *lookback) / *batchSize
		if vs < 1 {
			vs = 1
		}
	}
	testSpan := series.Rows() - *delay - 1 - valEnd
	testSteps := (testSpan - *lookback) / *batchSize
	if testSteps < 1 {
		testSteps = 1
	}

	// Baseline on a dedicated validation-range generator so valGen's cursor
	// stays at the start for training-time evaluation.
	baseline, err := datasets.CommonSenseMAE(newGen(*trainRows, valEnd, false), vs)
	if err != nil {
		log.Fatalf("failed to compute baseline: %v", err)
	}
	log.Printf("Common-sense baseline MAE: %.4f (%.3f degC)", baseline, stats.DenormalizeSpread(targetCh, baseline))

	hidden, err := parseUnits(*units)
	if err != nil {
		log.Fatalf("bad -units: %v", err)
	}

	model, err := gru.NewModel(gru.Config{
		InputDim:         series.Channels(),
		HiddenSizes:      hidden,
		Dropout:          *dropout,
		RecurrentDropout: *recDropout,
		LearningRate:     *learningRate,
		Optimizer:        *optimizer,
		ClipNorm:         float32(*clipNorm),
		Seed:             *seed,
	})
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	log.Printf("Training GRU %v (dropout=%.2f recurrent=%.2f optimizer=%s lr=%g) for %d epochs x %d steps",
		hidden, *dropout, *recDropout, *optimizer, *learningRate, *epochs, *stepsPerEpoch)

	start := time.Now()
	hist, err := model.Train(trainGen.Stream(), valGen.Stream(), *epochs, *stepsPerEpoch, vs)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	for ep := range hist.TrainMAE {
		val := ""
		if ep < len(hist.ValMAE) {
			val = fmt.Sprintf(" val=%.4f (%.3f degC)", hist.ValMAE[ep], stats.DenormalizeSpread(targetCh, hist.ValMAE[ep]))
		}
		log.Printf("epoch %d: train=%.4f%s", ep+1, hist.TrainMAE[ep], val)
	}
	log.Printf("Training took %s", time.Since(start).Round(time.Second))

	testMAE, err := model.EvaluateMAE(testGen.Stream(), testSteps)
	if err != nil {
		log.Fatalf("test evaluation failed: %v", err)
	}
	log.Printf("Test MAE: %.4f (%.3f degC), baseline %.4f (%.3f degC)",
		testMAE, stats.DenormalizeSpread(targetCh, testMAE),
		baseline, stats.DenormalizeSpread(targetCh, baseline))

	if err := plotHistory(*outDir, hist, baseline); err != nil {
		log.Fatalf("failed to generate plot: %v", err)
	}
	log.Printf("Loss history plot written to %s", filepath.Join(*outDir, "loss_history.png"))
}

// parseUnits parses a comma-separated list of positive layer sizes.
func parseUnits(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("layer size %q: %w", p, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("layer size must be positive, got %d", n)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

// plotHistory writes a PNG with per-epoch training MAE (blue), validation MAE
// (red) and the common-sense baseline (grey dashed reference line).
func plotHistory(outDir string, hist *gru.History, baseline float32) error {
	p := plot.New()
	p.Title.Text = "Training history (MAE, normalized units)"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "MAE"

	trainXY := make(plotter.XYs, len(hist.TrainMAE))
	for i, v := range hist.TrainMAE {
		trainXY[i] = plotter.XY{X: float64(i + 1), Y: float64(v)}
	}
	trainLine, err := plotter.NewLine(trainXY)
	if err != nil {
		return err
	}
	trainLine.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	trainLine.Width = vg.Points(1.2)
	p.Add(trainLine)
	p.Legend.Add("train", trainLine)

	if len(hist.ValMAE) > 0 {
		valXY := make(plotter.XYs, len(hist.ValMAE))
		for i, v := range hist.ValMAE {
			valXY[i] = plotter.XY{X: float64(i + 1), Y: float64(v)}
		}
		valLine, err := plotter.NewLine(valXY)
		if err != nil {
			return err
		}
		valLine.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		valLine.Width = vg.Points(1.2)
		p.Add(valLine)
		p.Legend.Add("validation", valLine)
	}

	baseXY := plotter.XYs{
		{X: 1, Y: float64(baseline)},
		{X: float64(len(hist.TrainMAE)), Y: float64(baseline)},
	}
	baseLine, err := plotter.NewLine(baseXY)
	if err != nil {
		return err
	}
	baseLine.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	baseLine.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	baseLine.Width = vg.Points(0.8)
	p.Add(baseLine)
	p.Legend.Add("baseline", baseLine)

	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "loss_history.png"))
}
