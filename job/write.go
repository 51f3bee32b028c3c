package job

import (
	"bytes"
	"context"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/metrics"
)

// runWriteBytes replaces the content of Target, creating it and its
// parents when missing.
func (r *runner) runWriteBytes(ctx context.Context) error {
	target := r.req.Target
	size := int64(len(r.req.Content))
	r.scanned = ScanInfo{FileCount: 1, Size: size}
	r.startTransfer(target.Parent())

	prov, err := r.provider(ctx, target)
	if err != nil {
		return err
	}

	var written int64
	err = r.attempt(ctx, node{category: CategoryCreate, prov: prov, path: target, size: size}, func() error {
		r.transfer.TransferredSize -= written
		written = 0

		w, err := prov.OpenWrite(ctx, target, vfskit.WithOverwrite(true), vfskit.WithCreateParents())
		if err != nil {
			return err
		}
		_, err = vfskit.CopyStream(ctx, w, bytes.NewReader(r.req.Content), r.cfg.ChunkSize, func(n int64) error {
			written += n
			r.transfer.TransferredSize += n
			metrics.RecordBytes(n)
			r.postTransfer(target)
			return nil
		})
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		r.transfer.TransferredSize -= written
		if isSkipped(err) {
			return nil
		}
		return err
	}
	r.transfer.TransferredFileCount++
	r.postTransfer(target)
	return nil
}

func (r *runner) runCreateDirectory(ctx context.Context) error {
	return r.create(ctx, func(prov vfskit.Provider) error {
		return prov.CreateDir(ctx, r.req.Target)
	})
}

// runCreateFile creates an empty file. An existing file is an error.
func (r *runner) runCreateFile(ctx context.Context) error {
	return r.create(ctx, func(prov vfskit.Provider) error {
		w, err := prov.OpenWrite(ctx, r.req.Target)
		if err != nil {
			return err
		}
		return w.Close()
	})
}

func (r *runner) create(ctx context.Context, op func(vfskit.Provider) error) error {
	target := r.req.Target
	r.scanned = ScanInfo{FileCount: 1}
	r.startTransfer(target.Parent())

	prov, err := r.provider(ctx, target)
	if err != nil {
		return err
	}
	err = r.attempt(ctx, node{category: CategoryCreate, prov: prov, path: target, size: 0}, func() error {
		return op(prov)
	})
	if err != nil {
		if isSkipped(err) {
			return nil
		}
		return err
	}
	r.logger.Debug().Str("path", target.String()).Msg("created")
	r.transfer.TransferredFileCount++
	r.postTransfer(target)
	return nil
}
