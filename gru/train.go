package gru

import (
	"errors"
	"fmt"
	"math"
)

// History records the per-epoch mean absolute error of training, and of
// validation when a validation source was supplied.
type History struct {
	TrainMAE []float32
	ValMAE   []float32
}

// newGrads allocates zeroed gradient buffers parallel to params().
func (m *Model) newGrads() [][]float32 {
	ps := m.params()
	grads := make([][]float32, len(ps))
	for i, p := range ps {
		grads[i] = make([]float32, len(p))
	}
	return grads
}

// backward accumulates one example's gradients into grads, starting from the
// loss gradient dpred at the dense readout and running backpropagation
// through time down the layer stack.
func (m *Model) backward(caches []*layerCache, dpred float32, grads [][]float32) {
	L := len(m.layers)
	top := caches[L-1]
	T := len(top.xs)

	gDense := grads[9*L]
	gBias := grads[9*L+1]
	hLast := top.hs[T]
	for j := range m.dense {
		gDense[j] += dpred * hLast[j]
	}
	gBias[0] += dpred

	// Only the final hidden state feeds the readout, so the top layer's
	// output-sequence gradient is zero everywhere but the last timestep.
	dhs := make([][]float32, T)
	dhTop := make([]float32, m.layers[L-1].units)
	for j := range dhTop {
		dhTop[j] = dpred * m.dense[j]
	}
	dhs[T-1] = dhTop

	for i := L - 1; i >= 0; i-- {
		dhs = m.layers[i].backwardLayer(caches[i], dhs, grads[9*i:9*i+9])
	}
}

// backwardLayer backpropagates through time for one layer over one example.
// dhs[t] is the gradient w.r.t. the layer's output h_{t+1} (nil entries are
// zero); g holds the nine gradient slices in the wz,wr,wh,uz,ur,uh,bz,br,bh
// order used by params(). The returned slices are the gradients w.r.t. the
// layer's (pre-dropout) input sequence.
func (l *layer) backwardLayer(c *layerCache, dhs [][]float32, g [][]float32) [][]float32 {
	T := len(c.xs)
	gwz, gwr, gwh := g[0], g[1], g[2]
	guz, gur, guh := g[3], g[4], g[5]
	gbz, gbr, gbh := g[6], g[7], g[8]

	dxs := make([][]float32, T)
	dh := make([]float32, l.units)
	hrec := make([]float32, l.units)
	dz := make([]float32, l.units)
	dhc := make([]float32, l.units)
	s := make([]float32, l.units)
	dr := make([]float32, l.units)

	for t := T - 1; t >= 0; t-- {
		if dhs[t] != nil {
			for j := range dh {
				dh[j] += dhs[t][j]
			}
		}

		z, r, hc := c.zs[t], c.rs[t], c.hcs[t]
		hprev := c.hs[t]
		xd := c.xs[t]
		for h := 0; h < l.units; h++ {
			hrec[h] = hprev[h] * c.recMask[h]
		}

		// Gate deltas: candidate through tanh', update and reset through
		// sigmoid'.
		for j := 0; j < l.units; j++ {
			dhc[j] = dh[j] * z[j] * (1 - hc[j]*hc[j])
			dz[j] = dh[j] * (hc[j] - hprev[j]) * z[j] * (1 - z[j])
		}
		for h := 0; h < l.units; h++ {
			sv := float32(0)
			for j := 0; j < l.units; j++ {
				sv += dhc[j] * l.uh[j*l.units+h]
			}
			s[h] = sv
			dr[h] = sv * hrec[h] * r[h] * (1 - r[h])
		}

		for j := 0; j < l.units; j++ {
			for f := 0; f < l.in; f++ {
				gwz[j*l.in+f] += dz[j] * xd[f]
				gwr[j*l.in+f] += dr[j] * xd[f]
				gwh[j*l.in+f] += dhc[j] * xd[f]
			}
			for h := 0; h < l.units; h++ {
				guz[j*l.units+h] += dz[j] * hrec[h]
				gur[j*l.units+h] += dr[j] * hrec[h]
				guh[j*l.units+h] += dhc[j] * (r[h] * hrec[h])
			}
			gbz[j] += dz[j]
			gbr[j] += dr[j]
			gbh[j] += dhc[j]
		}

		dx := make([]float32, l.in)
		for f := 0; f < l.in; f++ {
			v := float32(0)
			for j := 0; j < l.units; j++ {
				v += dz[j]*l.wz[j*l.in+f] + dr[j]*l.wr[j*l.in+f] + dhc[j]*l.wh[j*l.in+f]
			}
			dx[f] = v * c.inMask[f]
		}
		dxs[t] = dx

		// Gradient w.r.t. h_{t-1}: the leak term bypasses the recurrent
		// dropout mask, every gate path goes through it.
		dhPrev := make([]float32, l.units)
		for h := 0; h < l.units; h++ {
			rec := s[h] * r[h]
			for j := 0; j < l.units; j++ {
				rec += dz[j]*l.uz[j*l.units+h] + dr[j]*l.ur[j*l.units+h]
			}
			dhPrev[h] = dh[h]*(1-z[h]) + rec*c.recMask[h]
		}
		dh = dhPrev
	}
	return dxs
}

// applyGradients averages the accumulated gradients over the batch, clips
// them by global norm, and applies one optimizer step.
func (m *Model) applyGradients(grads [][]float32, batchN int) {
	inv := float32(1.0 / float64(batchN))
	var sq float64
	for _, g := range grads {
		for i := range g {
			g[i] *= inv
			sq += float64(g[i]) * float64(g[i])
		}
	}

	if norm := math.Sqrt(sq); m.Config.ClipNorm > 0 && norm > float64(m.Config.ClipNorm) {
		k := float32(float64(m.Config.ClipNorm) / norm)
		for _, g := range grads {
			for i := range g {
				g[i] *= k
			}
		}
	}

	ps := m.params()
	lr := float32(m.Config.LearningRate)

	if m.Config.Optimizer == "sgd" {
		for pi, p := range ps {
			g := grads[pi]
			for i := range p {
				p[i] -= lr * g[i]
			}
		}
		return
	}

	// RMSprop
	if m.rmsCaches == nil {
		m.rmsCaches = make([][]float32, len(ps))
		for i, p := range ps {
			m.rmsCaches[i] = make([]float32, len(p))
		}
	}
	rho := float32(m.Config.Rho)
	eps := m.Config.Epsilon
	for pi, p := range ps {
		g := grads[pi]
		cache := m.rmsCaches[pi]
		for i := range p {
			cache[i] = rho*cache[i] + (1-rho)*g[i]*g[i]
			p[i] -= lr * g[i] / (float32(math.Sqrt(float64(cache[i]))) + float32(eps))
		}
	}
}

// TrainBatch runs one gradient step over a single batch and returns the
// batch's mean absolute error.
func (m *Model) TrainBatch(windows [][][]float32, targets []float32) (float32, error) {
	if len(windows) != len(targets) {
		return 0, fmt.Errorf("windows and targets batch sizes don't match: %d != %d", len(windows), len(targets))
	}
	if len(windows) == 0 {
		return 0, errors.New("empty batch")
	}

	grads := m.newGrads()
	var totalAbs float64

	for i, window := range windows {
		pred, caches, err := m.forward(window, true)
		if err != nil {
			return 0, err
		}

		diff := pred - targets[i]
		totalAbs += math.Abs(float64(diff))

		// MAE subgradient.
		var dpred float32
		switch {
		case diff > 0:
			dpred = 1
		case diff < 0:
			dpred = -1
		}
		m.backward(caches, dpred, grads)
	}

	m.applyGradients(grads, len(windows))
	return float32(totalAbs / float64(len(windows))), nil
}

// Train pulls stepsPerEpoch batches from train for each epoch, steps the
// optimizer per batch, and (when val is non-nil) measures validation MAE at
// the end of each epoch. The sources are unbounded generators; Train decides
// when to stop pulling.
func (m *Model) Train(train, val BatchSource, epochs, stepsPerEpoch, valSteps int) (*History, error) {
	if train == nil {
		return nil, errors.New("training source is nil")
	}
	if epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", epochs)
	}
	if stepsPerEpoch <= 0 {
		return nil, fmt.Errorf("stepsPerEpoch must be positive, got %d", stepsPerEpoch)
	}

	hist := &History{}
	for ep := 0; ep < epochs; ep++ {
		var epochAbs float64
		var count int
		for s := 0; s < stepsPerEpoch; s++ {
			windows, targets, err := train.NextBatch()
			if err != nil {
				return nil, fmt.Errorf("failed to pull training batch (epoch %d, step %d): %w", ep, s, err)
			}
			mae, err := m.TrainBatch(windows, targets)
			if err != nil {
				return nil, fmt.Errorf("training step failed (epoch %d, step %d): %w", ep, s, err)
			}
			epochAbs += float64(mae) * float64(len(targets))
			count += len(targets)
		}
		hist.TrainMAE = append(hist.TrainMAE, float32(epochAbs/float64(count)))

		if val != nil && valSteps > 0 {
			v, err := m.EvaluateMAE(val, valSteps)
			if err != nil {
				return nil, fmt.Errorf("validation failed after epoch %d: %w", ep, err)
			}
			hist.ValMAE = append(hist.ValMAE, v)
		}
	}
	return hist, nil
}

// EvaluateMAE pulls steps batches from src and returns the model's mean
// absolute error over them. Forward passes only; dropout is inactive.
func (m *Model) EvaluateMAE(src BatchSource, steps int) (float32, error) {
	if src == nil {
		return 0, errors.New("evaluation source is nil")
	}
	if steps <= 0 {
		return 0, fmt.Errorf("steps must be positive, got %d", steps)
	}

	var total float64
	var count int
	for s := 0; s < steps; s++ {
		windows, targets, err := src.NextBatch()
		if err != nil {
			return 0, fmt.Errorf("failed to pull evaluation batch %d: %w", s, err)
		}
		preds, err := m.PredictBatch(windows)
		if err != nil {
			return 0, err
		}
		for i, p := range preds {
			total += math.Abs(float64(p - targets[i]))
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no samples pulled over %d steps", steps)
	}
	return float32(total / float64(count)), nil
}
