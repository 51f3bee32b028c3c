package job

import (
	"context"

	"github.com/gobeaver/vfskit"
)

// Presenter is the user facing side of a job. ReportProgress must not
// block. PresentError blocks until the user answers or ctx ends.
type Presenter interface {
	ReportProgress(p Progress)
	PresentError(ctx context.Context, req ErrorRequest) (Decision, error)
	// PerformUserAction runs the interactive step err asks for, such as a
	// password prompt, and reports whether it succeeded.
	PerformUserAction(ctx context.Context, err *vfskit.UserActionRequiredError) bool
}

// NopPresenter discards progress and answers every failure with Decision.
// The zero value aborts on the first failure.
type NopPresenter struct {
	Decision Decision
}

func (NopPresenter) ReportProgress(Progress) {}

func (n NopPresenter) PresentError(context.Context, ErrorRequest) (Decision, error) {
	return n.Decision, nil
}

func (NopPresenter) PerformUserAction(context.Context, *vfskit.UserActionRequiredError) bool {
	return false
}

// Prompt is an ErrorRequest waiting for its Decision.
type Prompt struct {
	ErrorRequest
	reply chan Decision
}

// Reply answers the prompt. Only the first reply counts.
func (p *Prompt) Reply(d Decision) {
	select {
	case p.reply <- d:
	default:
	}
}

// ChannelPresenter hands progress and prompts to another goroutine, a UI
// loop for instance.
//
//	pres := job.NewChannelPresenter(16)
//	go func() {
//	    for prompt := range pres.Prompts() {
//	        prompt.Reply(job.Decision{Action: job.ActionSkip})
//	    }
//	}()
type ChannelPresenter struct {
	progress chan Progress
	prompts  chan *Prompt

	// UserAction runs interactive steps. Nil means they always fail.
	UserAction func(ctx context.Context, err *vfskit.UserActionRequiredError) bool
}

// NewChannelPresenter creates a presenter whose progress channel holds
// buffer reports. Reports that do not fit are dropped.
func NewChannelPresenter(buffer int) *ChannelPresenter {
	return &ChannelPresenter{
		progress: make(chan Progress, buffer),
		prompts:  make(chan *Prompt),
	}
}

// Progress returns the progress channel.
func (c *ChannelPresenter) Progress() <-chan Progress { return c.progress }

// Prompts returns the channel of pending prompts. Every prompt must be
// replied to, or its job waits until canceled.
func (c *ChannelPresenter) Prompts() <-chan *Prompt { return c.prompts }

func (c *ChannelPresenter) ReportProgress(p Progress) {
	select {
	case c.progress <- p:
	default:
	}
}

func (c *ChannelPresenter) PresentError(ctx context.Context, req ErrorRequest) (Decision, error) {
	prompt := &Prompt{ErrorRequest: req, reply: make(chan Decision, 1)}
	select {
	case c.prompts <- prompt:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	select {
	case d := <-prompt.reply:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

func (c *ChannelPresenter) PerformUserAction(ctx context.Context, err *vfskit.UserActionRequiredError) bool {
	if c.UserAction == nil {
		return false
	}
	return c.UserAction(ctx, err)
}

var (
	_ Presenter = NopPresenter{}
	_ Presenter = (*ChannelPresenter)(nil)
)
