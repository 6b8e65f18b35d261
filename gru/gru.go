package gru

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds configurable hyperparameters for the GRU forecaster and its
// training.
type Config struct {
	// InputDim is the number of channels in each window row. Required.
	InputDim int

	// HiddenSizes is the list of GRU layer sizes, one entry per stacked
	// layer. If empty, a single layer of 32 units is used.
	HiddenSizes []int

	// Dropout is the rate applied to each layer's inputs during training.
	Dropout float64

	// RecurrentDropout is the rate applied to each layer's recurrent state
	// inside the gates during training. The same per-sample mask is reused at
	// every timestep.
	RecurrentDropout float64

	// LearningRate used by the optimizer (default 0.001).
	LearningRate float64

	// Optimizer selects the optimizer to use: "rmsprop" or "sgd".
	// Default: "rmsprop".
	Optimizer string

	// RMSprop hyperparameters (used when Optimizer == "rmsprop"; defaults
	// below if zero).
	Rho     float64
	Epsilon float64

	// ClipNorm is the global gradient clipping threshold. If zero a sensible
	// default is used.
	ClipNorm float32

	// Seed controls RNG for weight init and dropout masks. If zero, a
	// time-based seed is used.
	Seed int64
}

// BatchSource is the minimal interface this package requires from a windowed
// batch generator. This keeps gru decoupled from the concrete datasets
// package while allowing callers to pass the repository's WindowGenerator
// (adapted by Batches).
type BatchSource interface {
	// NextBatch returns windows with shape [batch][time][InputDim] and one
	// scalar target per window.
	NextBatch() (windows [][][]float32, targets []float32, err error)
}

// layer holds the weights of one GRU layer. Input weights are [units*in]
// row-major (w[j*in+f]); recurrent weights are [units*units] (u[j*units+h]).
type layer struct {
	in    int
	units int

	wz, wr, wh []float32
	uz, ur, uh []float32
	bz, br, bh []float32
}

// Model is a stacked-GRU regressor: one or more GRU layers followed by a
// linear readout of the last hidden state to a single scalar. Like the rest
// of this repository it is a self-contained pure-Go implementation, so tests
// run quickly and deterministically without a native backend.
type Model struct {
	// Config used for training / initialization.
	Config Config

	layers []*layer

	// dense maps the last layer's final hidden state to the prediction.
	dense     []float32
	denseBias []float32 // length 1

	rng *rand.Rand

	// rmsCaches holds per-parameter running squared-gradient averages,
	// parallel to params(). Allocated on first optimizer step.
	rmsCaches [][]float32
}

// NewModel creates a Model with the provided configuration, with weights
// initialized and ready to train.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InputDim <= 0 {
		return nil, errors.New("config needs a positive InputDim")
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{32}
	}
	for i, u := range cfg.HiddenSizes {
		if u <= 0 {
			return nil, fmt.Errorf("hidden size %d at layer %d must be positive", u, i)
		}
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("dropout rate %v out of range [0,1)", cfg.Dropout)
	}
	if cfg.RecurrentDropout < 0 || cfg.RecurrentDropout >= 1 {
		return nil, fmt.Errorf("recurrent dropout rate %v out of range [0,1)", cfg.RecurrentDropout)
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = "rmsprop"
	}
	if cfg.Optimizer != "rmsprop" && cfg.Optimizer != "sgd" {
		return nil, fmt.Errorf("unknown optimizer %q (want rmsprop or sgd)", cfg.Optimizer)
	}
	if cfg.Rho == 0 {
		cfg.Rho = 0.9
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}
	if cfg.ClipNorm == 0 {
		cfg.ClipNorm = 5.0
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	m := &Model{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	in := cfg.InputDim
	for _, units := range cfg.HiddenSizes {
		m.layers = append(m.layers, m.newLayer(in, units))
		in = units
	}

	last := cfg.HiddenSizes[len(cfg.HiddenSizes)-1]
	m.dense = m.xavier(last, 1)
	m.denseBias = []float32{0}

	return m, nil
}

func (m *Model) newLayer(in, units int) *layer {
	return &layer{
		in:    in,
		units: units,
		wz:    m.xavier(in, units),
		wr:    m.xavier(in, units),
		wh:    m.xavier(in, units),
		uz:    m.xavier(units, units),
		ur:    m.xavier(units, units),
		uh:    m.xavier(units, units),
		bz:    make([]float32, units),
		br:    make([]float32, units),
		bh:    make([]float32, units),
	}
}

// xavier returns an [out*in] weight slice drawn from the Xavier/Glorot
// uniform heuristic.
func (m *Model) xavier(in, out int) []float32 {
	limit := float32(math.Sqrt(6.0 / float64(in+out)))
	w := make([]float32, in*out)
	for i := range w {
		w[i] = (m.rng.Float32()*2.0 - 1.0) * limit
	}
	return w
}

// params returns every trainable parameter slice in a fixed order, so the
// optimizer and gradient buffers can walk them in lockstep.
func (m *Model) params() [][]float32 {
	var ps [][]float32
	for _, l := range m.layers {
		ps = append(ps, l.wz, l.wr, l.wh, l.uz, l.ur, l.uh, l.bz, l.br, l.bh)
	}
	ps = append(ps, m.dense, m.denseBias)
	return ps
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// layerCache holds everything the backward pass needs from one layer's
// forward pass over one example.
type layerCache struct {
	// xs is the input sequence after the input-dropout mask.
	xs [][]float32
	// hs[0] is the zero initial state; hs[t+1] is the (undropped) hidden
	// state after timestep t.
	hs [][]float32

	zs, rs, hcs [][]float32

	inMask, recMask []float32
}

// forwardLayer runs one GRU layer over one example's input sequence. The
// masks are inverted-dropout masks (entries 0 or 1/(1-rate)); pass all-ones
// masks for inference.
func (l *layer) forwardLayer(xs [][]float32, inMask, recMask []float32) *layerCache {
	T := len(xs)
	c := &layerCache{
		xs:      make([][]float32, T),
		hs:      make([][]float32, T+1),
		zs:      make([][]float32, T),
		rs:      make([][]float32, T),
		hcs:     make([][]float32, T),
		inMask:  inMask,
		recMask: recMask,
	}
	c.hs[0] = make([]float32, l.units)

	hrec := make([]float32, l.units)
	for t := 0; t < T; t++ {
		xd := make([]float32, l.in)
		for f := range xd {
			xd[f] = xs[t][f] * inMask[f]
		}
		c.xs[t] = xd

		hprev := c.hs[t]
		for h := range hrec {
			hrec[h] = hprev[h] * recMask[h]
		}

		z := make([]float32, l.units)
		r := make([]float32, l.units)
		hc := make([]float32, l.units)
		hNew := make([]float32, l.units)

		for j := 0; j < l.units; j++ {
			// z_t = sigmoid(Wz x_t + Uz h_rec + bz)
			zv := l.bz[j]
			rv := l.br[j]
			for f := 0; f < l.in; f++ {
				zv += l.wz[j*l.in+f] * xd[f]
				rv += l.wr[j*l.in+f] * xd[f]
			}
			for h := 0; h < l.units; h++ {
				zv += l.uz[j*l.units+h] * hrec[h]
				rv += l.ur[j*l.units+h] * hrec[h]
			}
			z[j] = sigmoid(zv)
			r[j] = sigmoid(rv)
		}

		for j := 0; j < l.units; j++ {
			// h~_t = tanh(Wh x_t + Uh (r_t . h_rec) + bh)
			hv := l.bh[j]
			for f := 0; f < l.in; f++ {
				hv += l.wh[j*l.in+f] * xd[f]
			}
			for h := 0; h < l.units; h++ {
				hv += l.uh[j*l.units+h] * (r[h] * hrec[h])
			}
			hc[j] = tanh32(hv)

			// h_t = (1-z) . h_{t-1} + z . h~_t
			hNew[j] = (1-z[j])*hprev[j] + z[j]*hc[j]
		}

		c.zs[t] = z
		c.rs[t] = r
		c.hcs[t] = hc
		c.hs[t+1] = hNew
	}
	return c
}

// onesMask returns a mask of n ones.
func onesMask(n int) []float32 {
	mask := make([]float32, n)
	for i := range mask {
		mask[i] = 1
	}
	return mask
}

// dropoutMask returns an inverted-dropout mask of n entries with the given
// rate; surviving entries are scaled by 1/(1-rate).
func (m *Model) dropoutMask(n int, rate float64) []float32 {
	if rate == 0 {
		return onesMask(n)
	}
	keep := float32(1.0 / (1.0 - rate))
	mask := make([]float32, n)
	for i := range mask {
		if m.rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}

// forward runs the full stack over one example and returns the prediction
// along with the per-layer caches (caches are nil-free only when needed by
// training; inference callers ignore them).
func (m *Model) forward(window [][]float32, training bool) (float32, []*layerCache, error) {
	if len(window) == 0 {
		return 0, nil, errors.New("window has no timesteps")
	}
	if len(window[0]) != m.Config.InputDim {
		return 0, nil, fmt.Errorf("window has %d channels, model expects %d", len(window[0]), m.Config.InputDim)
	}

	caches := make([]*layerCache, len(m.layers))
	xs := window
	for i, l := range m.layers {
		inMask := onesMask(l.in)
		recMask := onesMask(l.units)
		if training {
			inMask = m.dropoutMask(l.in, m.Config.Dropout)
			recMask = m.dropoutMask(l.units, m.Config.RecurrentDropout)
		}
		c := l.forwardLayer(xs, inMask, recMask)
		caches[i] = c
		xs = c.hs[1:]
	}

	hLast := xs[len(xs)-1]
	pred := m.denseBias[0]
	for j, w := range m.dense {
		pred += w * hLast[j]
	}
	return pred, caches, nil
}

// Predict returns the model's forecast for a single window of shape
// [time][InputDim].
func (m *Model) Predict(window [][]float32) (float32, error) {
	pred, _, err := m.forward(window, false)
	return pred, err
}

// PredictBatch returns forecasts for a batch of windows. It does a purely
// forward pass (no training, no dropout).
func (m *Model) PredictBatch(windows [][][]float32) ([]float32, error) {
	out := make([]float32, len(windows))
	for i, w := range windows {
		pred, err := m.Predict(w)
		if err != nil {
			return nil, err
		}
		out[i] = pred
	}
	return out, nil
}
