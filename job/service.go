package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/metrics"
)

// Service runs jobs, each on its own goroutine.
type Service struct {
	reg       *vfskit.Registry
	presenter Presenter
	cfg       *vfskit.Config
	logger    *zerolog.Logger
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*Handle
	wg   sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithConfig overrides the configuration of the registry.
func WithConfig(cfg *vfskit.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the clock the progress throttles read.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a service resolving paths through reg. A nil presenter
// aborts every job on its first failure.
func New(reg *vfskit.Registry, presenter Presenter, opts ...Option) *Service {
	s := &Service{
		reg:       reg,
		presenter: presenter,
		cfg:       reg.Config(),
		now:       time.Now,
		jobs:      make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.presenter == nil {
		s.presenter = NopPresenter{}
	}
	if s.cfg == nil {
		s.cfg = vfskit.DefaultConfig()
	}
	if s.logger == nil {
		nop := zerolog.Nop()
		s.logger = &nop
	}
	return s
}

// Submit validates req and starts it. The job only inherits the values of
// ctx, so it outlives the caller; use the handle to cancel it.
func (s *Service) Submit(ctx context.Context, req Request) (*Handle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	selector, err := vfskit.Exclude(req.Exclude...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	policy := req.ModePolicy
	if policy == ModePolicyDefault {
		policy, err = ParseModePolicy(s.cfg.ModeXPolicy)
		if err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	logger := s.logger.With().Str("job", id).Stringer("kind", req.Kind).Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(context.WithoutCancel(ctx)))

	h := &Handle{
		id:     id,
		kind:   req.Kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r := &runner{
		id:               id,
		req:              req,
		reg:              s.reg,
		presenter:        s.presenter,
		cfg:              s.cfg,
		logger:           &logger,
		selector:         selector,
		overwrite:        req.Overwrite,
		policy:           policy,
		canceled:         &h.canceled,
		scanThrottle:     NewThrottle(s.cfg.ProgressInterval(), s.now),
		transferThrottle: NewThrottle(s.cfg.ProgressInterval(), s.now),
	}

	s.mu.Lock()
	s.jobs[id] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, h, r)
	}()
	return h, nil
}

func (s *Service) run(ctx context.Context, h *Handle, r *runner) {
	start := s.now()
	metrics.JobStarted()
	r.logger.Info().Int("sources", len(r.req.Sources)).Str("target", r.req.Target.String()).Msg("job started")

	err := r.run(ctx)
	status := statusOf(err)

	result := r.result()
	metrics.JobFinished(r.req.Kind.String(), status.String(), s.now().Sub(start))
	ev := r.logger.Info()
	if status == StatusFailed {
		ev = r.logger.Error().Err(err)
	}
	ev.Stringer("status", status).
		Int("files", result.Transfer.TransferredFileCount).
		Int64("bytes", result.Transfer.TransferredSize).
		Msg("job finished")

	r.report(Progress{
		Kind:     r.req.Kind,
		Phase:    PhaseDone,
		Title:    status.String(),
		Scan:     result.Scan,
		Transfer: result.Transfer,
	})

	h.finish(status, err, result)
	s.mu.Lock()
	delete(s.jobs, h.id)
	s.mu.Unlock()
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, ErrCanceled):
		return StatusCanceled
	case errors.Is(err, ErrAborted):
		return StatusAborted
	default:
		return StatusFailed
	}
}

// Jobs returns the handles of the jobs still running.
func (s *Service) Jobs() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.jobs))
	for _, h := range s.jobs {
		handles = append(handles, h)
	}
	return handles
}

// Wait blocks until every submitted job has ended.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Handle controls a submitted job.
type Handle struct {
	id       string
	kind     Kind
	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}

	mu     sync.Mutex
	status Status
	err    error
	result Result
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Kind() Kind { return h.kind }

// Cancel asks the job to stop. The job notices at its next node and ends
// with StatusCanceled.
func (h *Handle) Cancel() {
	h.canceled.Store(true)
	h.cancel()
}

// Done is closed when the job has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job ends and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.Err()
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Result returns the final totals. It is zero until the job ends.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *Handle) finish(status Status, err error, result Result) {
	h.mu.Lock()
	h.status, h.err, h.result = status, err, result
	h.mu.Unlock()
	close(h.done)
}
