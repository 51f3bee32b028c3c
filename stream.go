package vfskit

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// DefaultChunkSize is the buffer size of a stream copy.
const DefaultChunkSize = 64 * 1024

// ChunkFunc is called after every chunk of a stream copy with the size of
// the chunk. Returning an error stops the copy.
type ChunkFunc func(n int64) error

// CopyStream copies src to dst in chunks of chunkSize, calling onChunk after
// each chunk is written. The context is checked between chunks.
func CopyStream(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int, onChunk ChunkFunc) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)

	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := dst.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
			if onChunk != nil {
				if err := onChunk(int64(n)); err != nil {
					return written, err
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// CopyFile streams the content of src on srcProv into dst on dstProv. The
// destination is closed before returning so that a failed flush is reported.
func CopyFile(ctx context.Context, srcProv Provider, src VirtualPath, dstProv Provider, dst VirtualPath,
	chunkSize int, onChunk ChunkFunc, opts ...WriteOption,
) (int64, error) {
	r, err := srcProv.OpenRead(ctx, src)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := dstProv.OpenWrite(ctx, dst, opts...)
	if err != nil {
		return 0, err
	}

	n, err := CopyStream(ctx, w, r, chunkSize, onChunk)
	if err != nil {
		if aerr := AbortWrite(w, err); aerr != nil {
			zerolog.Ctx(ctx).Warn().Err(aerr).Str("path", dst.String()).Msg("cannot discard partial write")
		}
		return n, errors.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := w.Close(); err != nil {
		return n, errors.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return n, nil
}

// Aborter is implemented by writers that can end a write without
// committing it. After Abort, Close does nothing.
type Aborter interface {
	Abort(cause error) error
}

// AbortWrite ends w after a failed write. Writers implementing Aborter
// drop what they received; others are closed.
func AbortWrite(w io.WriteCloser, cause error) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort(cause)
	}
	return w.Close()
}
