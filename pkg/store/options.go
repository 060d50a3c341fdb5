package store

import "os"

// Options represents the configuration options for a mapped store file.
type Options struct {
	// PageSizeShift is the log2 of the page size. All file growth happens
	// in multiples of this page size. Must be within [12, 20] so that a
	// page can hold the free-table structures of the layers above.
	PageSizeShift uint32

	// FileMode used when the store file is created.
	FileMode os.FileMode

	// GrowthChunkSize is the granularity (in bytes) of file extension.
	// The file is trimmed back to its true size on Close.
	GrowthChunkSize int64
}

var defaultOptions = Options{
	PageSizeShift:   12,
	FileMode:        0644,
	GrowthChunkSize: 1 << 24,
}

func (o *Options) setDefaults() {
	if o.PageSizeShift == 0 {
		o.PageSizeShift = defaultOptions.PageSizeShift
	}
	if o.FileMode == 0 {
		o.FileMode = defaultOptions.FileMode
	}
	if o.GrowthChunkSize == 0 {
		o.GrowthChunkSize = defaultOptions.GrowthChunkSize
	}
}
