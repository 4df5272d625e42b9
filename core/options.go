package core

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	defaultFileSizeLimit       = 2 * 1024 * 1024 * 1024 // 2 GiB
	defaultCacheSize           = 8
	defaultBytesDeletedRatio   = 0.5
	defaultEntriesDeletedRatio = 0.5
)

// Options configures a store. BaseDir is the only required field; every
// other field has a sensible default.
type Options struct {
	// BaseDir is the root directory for all segment, snapshot, and scratch
	// files. Required.
	BaseDir string

	// FileSizeLimit is the maximum size in bytes a segment may reach before
	// it is sealed and a new active segment is created.
	FileSizeLimit int64

	// CacheSize is the advisory segment-reader cache size. It is validated
	// on Open (it must be positive) but nothing else reads it: segment
	// readers are opened lazily, one per segment, and stay open until Close
	// or Merge.
	CacheSize int

	// MaxKeySize and MaxValueSize, if non-zero, reject Insert calls whose
	// key or value exceeds the cap with errs.ErrPayloadTooLarge.
	MaxKeySize   int
	MaxValueSize int

	// BytesDeletedRatio and EntriesDeletedRatio are reserved for an
	// automatic merge trigger this store does not implement (merge is
	// operator-triggered only); they are accepted and validated but
	// otherwise unused.
	BytesDeletedRatio   float64
	EntriesDeletedRatio float64

	// Fsync, when true, fsyncs the active segment's file on every append
	// instead of relying on the buffered writer's flush alone.
	Fsync bool

	// Logger receives lifecycle and diagnostic events. A no-op logger is
	// used if this is nil.
	Logger *zap.SugaredLogger
}

// Option mutates an Options value being built up by defaultOptions.
type Option func(*Options)

// WithFileSizeLimit overrides the segment rollover threshold.
func WithFileSizeLimit(n int64) Option {
	return func(o *Options) { o.FileSizeLimit = n }
}

// WithCacheSize overrides the advisory segment-reader cache size.
func WithCacheSize(n int) Option {
	return func(o *Options) { o.CacheSize = n }
}

// WithMaxKeySize caps accepted key sizes.
func WithMaxKeySize(n int) Option {
	return func(o *Options) { o.MaxKeySize = n }
}

// WithMaxValueSize caps accepted value sizes.
func WithMaxValueSize(n int) Option {
	return func(o *Options) { o.MaxValueSize = n }
}

// WithDeletedRatios overrides the reserved auto-merge thresholds.
func WithDeletedRatios(bytesRatio, entriesRatio float64) Option {
	return func(o *Options) {
		o.BytesDeletedRatio = bytesRatio
		o.EntriesDeletedRatio = entriesRatio
	}
}

// WithFsync enables or disables fsync-per-append.
func WithFsync(b bool) Option {
	return func(o *Options) { o.Fsync = b }
}

// WithLogger sets the structured logger used for lifecycle events.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Options) { o.Logger = l }
}

// defaultOptions returns an Options populated with every default value,
// with baseDir set and every Option applied on top.
func defaultOptions(baseDir string, opts ...Option) *Options {
	o := &Options{
		BaseDir:             baseDir,
		FileSizeLimit:       defaultFileSizeLimit,
		CacheSize:           defaultCacheSize,
		BytesDeletedRatio:   defaultBytesDeletedRatio,
		EntriesDeletedRatio: defaultEntriesDeletedRatio,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// validate checks the option set for internal consistency.
func (o *Options) validate() error {
	if o.BaseDir == "" {
		return fmt.Errorf("options: BaseDir is required")
	}
	if o.FileSizeLimit <= 0 {
		return fmt.Errorf("options: FileSizeLimit must be positive, got %d", o.FileSizeLimit)
	}
	if o.CacheSize <= 0 {
		return fmt.Errorf("options: CacheSize must be positive, got %d", o.CacheSize)
	}
	if o.MaxKeySize < 0 || o.MaxValueSize < 0 {
		return fmt.Errorf("options: MaxKeySize/MaxValueSize must not be negative")
	}
	if o.BytesDeletedRatio < 0 || o.BytesDeletedRatio > 1 {
		return fmt.Errorf("options: BytesDeletedRatio must be in [0,1], got %v", o.BytesDeletedRatio)
	}
	if o.EntriesDeletedRatio < 0 || o.EntriesDeletedRatio > 1 {
		return fmt.Errorf("options: EntriesDeletedRatio must be in [0,1], got %v", o.EntriesDeletedRatio)
	}
	return nil
}
