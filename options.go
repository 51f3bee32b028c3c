package vfskit

import "os"

// WriteOption configures OpenWrite.
type WriteOption func(*WriteOptions)

// WriteOptions contains all possible options for OpenWrite
type WriteOptions struct {
	// Overwrite truncates an existing file instead of failing with ErrExist
	Overwrite bool

	// Append writes after the existing content. Implies Overwrite.
	Append bool

	// CreateParents creates missing parent directories
	CreateParents bool

	// Mode is the permission of a newly created file. Zero means 0644.
	Mode os.FileMode
}

// ApplyWriteOptions folds opts into a WriteOptions value.
func ApplyWriteOptions(opts ...WriteOption) WriteOptions {
	o := WriteOptions{Mode: 0o644}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Append {
		o.Overwrite = true
	}
	if o.Mode == 0 {
		o.Mode = 0o644
	}
	return o
}

// OpenFlags returns the os.OpenFile flags matching the options.
func (o WriteOptions) OpenFlags() int {
	flags := os.O_WRONLY | os.O_CREATE
	switch {
	case o.Append:
		flags |= os.O_APPEND
	case o.Overwrite:
		flags |= os.O_TRUNC
	default:
		flags |= os.O_EXCL
	}
	return flags
}

// WithOverwrite enables or disables overwriting existing files
func WithOverwrite(overwrite bool) WriteOption {
	return func(o *WriteOptions) {
		o.Overwrite = overwrite
	}
}

// WithAppend appends to an existing file
func WithAppend() WriteOption {
	return func(o *WriteOptions) {
		o.Append = true
	}
}

// WithCreateParents creates missing parent directories before writing
func WithCreateParents() WriteOption {
	return func(o *WriteOptions) {
		o.CreateParents = true
	}
}

// WithMode sets the permission bits of a created file
func WithMode(mode os.FileMode) WriteOption {
	return func(o *WriteOptions) {
		o.Mode = mode
	}
}
