package goldboot

// ProgressFunc is called with the number of bytes processed so far whenever
// Capture or Apply finishes a block. n is cumulative, not a delta.
type ProgressFunc func(n uint64)

// CompressionLevel selects a zstd speed/ratio tradeoff for cluster bodies.
type CompressionLevel int

const (
	// CompressionDefault matches the reference encoder's level (zstd default).
	CompressionDefault CompressionLevel = iota
	CompressionFastest
	CompressionBest
)

// CaptureOption configures a Capture call.
type CaptureOption func(*captureOptions)

type captureOptions struct {
	progress         ProgressFunc
	compressionLevel CompressionLevel
}

func defaultCaptureOptions() *captureOptions {
	return &captureOptions{
		compressionLevel: CompressionDefault,
	}
}

// WithCaptureProgress registers a callback invoked after every populated
// cluster is written, with the cumulative number of source bytes consumed.
func WithCaptureProgress(fn ProgressFunc) CaptureOption {
	return func(o *captureOptions) {
		o.progress = fn
	}
}

// WithCompressionLevel overrides the zstd level used for cluster bodies.
func WithCompressionLevel(level CompressionLevel) CaptureOption {
	return func(o *captureOptions) {
		o.compressionLevel = level
	}
}

// ApplyOption configures an Apply call.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	progress ProgressFunc
}

func defaultApplyOptions() *applyOptions {
	return &applyOptions{}
}

// WithApplyProgress registers a callback invoked after every digest table
// entry is processed (whether or not the block was rewritten), with the
// cumulative number of target bytes considered.
func WithApplyProgress(fn ProgressFunc) ApplyOption {
	return func(o *applyOptions) {
		o.progress = fn
	}
}
