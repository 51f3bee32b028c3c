package job

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/driver/memory"
)

// scanCanceler cancels its job from the first scan report.
type scanCanceler struct {
	NopPresenter
	handle chan *Handle
	once   sync.Once
}

func (s *scanCanceler) ReportProgress(p Progress) {
	if p.Phase != PhaseScan {
		return
	}
	s.once.Do(func() { (<-s.handle).Cancel() })
}

func TestScanEdgeCases(t *testing.T) {
	tests := []struct {
		name      string
		request   func(t *testing.T, f *fixture) Request
		presenter func() Presenter
		check     func(t *testing.T, f *fixture, h *Handle, err error, pres Presenter)
	}{
		{
			name:      "cancel during scan",
			request:   func(_ *testing.T, f *fixture) Request { return f.copyRequest() },
			presenter: func() Presenter { return &scanCanceler{handle: make(chan *Handle, 1)} },
			check: func(t *testing.T, f *fixture, h *Handle, err error, _ Presenter) {
				assert.ErrorIs(t, err, ErrCanceled)
				assert.Equal(t, StatusCanceled, h.Status())
				assert.Less(t, h.Result().Scan.FileCount, 4, "the scan stopped early")

				_, err = f.mem.Stat(context.Background(), f.path("/dst"), false)
				assert.True(t, vfskit.IsNotExist(err), "no transfer after a canceled scan")
			},
		},
		{
			name: "unreadable single root is a failure",
			request: func(_ *testing.T, f *fixture) Request {
				f.mem.InjectError("stat", f.path("/src/b"), errors.New("i/o error"), -1)
				return Request{
					Kind:    KindSetMode,
					Sources: []vfskit.VirtualPath{f.path("/src/a"), f.path("/src/b"), f.path("/src/c")},
					Mode:    0o600,
				}
			},
			presenter: func() Presenter { return &recorder{} },
			check: func(t *testing.T, f *fixture, h *Handle, err error, pres Presenter) {
				require.NoError(t, err)
				assert.Empty(t, pres.(*recorder).prompts(), "already recorded by the scan")

				res := h.Result()
				assert.Equal(t, 1, res.Scan.Failures)
				assert.Equal(t, 2, res.Scan.FileCount)
				assert.Equal(t, 2, res.Transfer.FileCount)
				assert.Equal(t, 2, res.Transfer.TransferredFileCount)

				fi, err := f.mem.Stat(context.Background(), f.path("/src/c"), false)
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0o600), fi.Mode, "the walk went on past the failure")
			},
		},
		{
			name: "no readable root",
			request: func(_ *testing.T, f *fixture) Request {
				return Request{
					Kind:      KindSetMode,
					Sources:   []vfskit.VirtualPath{f.path("/missing"), f.path("/gone")},
					Recursive: true,
					Mode:      0o600,
				}
			},
			presenter: func() Presenter { return &recorder{} },
			check: func(t *testing.T, _ *fixture, h *Handle, err error, pres Presenter) {
				require.Error(t, err)
				assert.ErrorIs(t, err, vfskit.ErrNotExist)
				assert.Equal(t, StatusFailed, h.Status())
				assert.Equal(t, 2, h.Result().Scan.Failures)
				assert.Empty(t, pres.(*recorder).prompts())
			},
		},
		{
			name: "read-only target reaches the prompt",
			request: func(t *testing.T, f *fixture) Request {
				frozen := memory.New("frozen")
				require.NoError(t, frozen.MkdirAll("/dst"))
				require.NoError(t, f.reg.Mount(frozen.Authority(), vfskit.NewReadOnlyProvider(frozen)))
				req := f.copyRequest()
				req.Target = frozen.Path("/dst")
				return req
			},
			presenter: func() Presenter { return &recorder{decide: always(ActionSkip, false)} },
			check: func(t *testing.T, _ *fixture, h *Handle, err error, pres Presenter) {
				require.NoError(t, err)
				prompts := pres.(*recorder).prompts()
				require.Len(t, prompts, 1)
				assert.True(t, prompts[0].ReadOnlyTarget)
				assert.ErrorIs(t, prompts[0].Err, vfskit.ErrReadOnly)

				res := h.Result()
				assert.Equal(t, 0, res.Transfer.FileCount, "the skipped directory takes its content along")
				assert.Equal(t, int64(0), res.Transfer.Size)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.request(t, f)
			pres := tt.presenter()

			logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
			svc := New(f.reg, pres, WithLogger(&logger))
			h, err := svc.Submit(context.Background(), req)
			require.NoError(t, err)
			if c, ok := pres.(*scanCanceler); ok {
				c.handle <- h
			}
			err = h.Wait()
			svc.Wait()

			tt.check(t, f, h, err, pres)
		})
	}
}
