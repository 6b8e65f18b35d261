package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package loads a multivariate weather time series from CSV and presents
// it as an endless stream of (window, target) batches suitable for training
// forecasting models.
//
// The raw series is loaded once into memory as a SeriesMatrix and normalized
// in place with statistics computed from a training prefix. Batches are then
// produced on demand by WindowGenerator instances; each instance owns its own
// chronological cursor, so separate train/validation/test generators can be
// pulled in alternation over disjoint index ranges of the same read-only
// matrix without any synchronization.
//
// Notes on gomlx tensors:
//   - Converting batches into gomlx tensors is left as a small, well-defined
//     step. Batches carry plain float32 slices; MakeWindowBatchFlat packs them
//     into contiguous buffers with shape metadata, and ToGomlxTensors converts
//     those into gomlx tensors via tensors.FromAnyValue.
//
// WindowGenerator implements this interface in order to interact with GoMLX
// training loops and batching utilities.
type Dataset interface {
	// NextBatch produces the next (windows, targets) pair.
	NextBatch() (*WindowBatch, error)

	// To implement gomlx's train.Dataset interface
	Name() string
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
	Restart() error
}
