package blobstore

import "os"

// Options represents the configuration options for a blob store.
type Options struct {
	// PageSizeShift is the log2 of the page size (default 12, i.e. 4096
	// bytes). It is a property of the store file: the value is recorded
	// in the header at creation and opening with any other shift fails.
	PageSizeShift uint32

	// FileMode used when the store file is created.
	FileMode os.FileMode
}

var defaultOptions = Options{
	PageSizeShift: 12,
	FileMode:      0644,
}

func (o *Options) setDefaults() {
	if o.PageSizeShift == 0 {
		o.PageSizeShift = defaultOptions.PageSizeShift
	}
	if o.FileMode == 0 {
		o.FileMode = defaultOptions.FileMode
	}
}
