package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/job"
)

// console is the terminal presenter: progress lines on out, prompts read
// from in.
type console struct {
	in    *bufio.Reader
	fd    int // terminal behind in, or -1
	out   io.Writer
	creds *vfskit.MemoryCredentials
	auto  bool

	mu       sync.Mutex
	last     string
	envTried map[vfskit.Authority]bool
}

func newConsole(in io.Reader, out io.Writer, creds *vfskit.MemoryCredentials, auto bool) *console {
	fd := -1
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &console{
		in:       bufio.NewReader(in),
		fd:       fd,
		out:      out,
		creds:    creds,
		auto:     auto,
		envTried: make(map[vfskit.Authority]bool),
	}
}

func (c *console) ReportProgress(p job.Progress) {
	if p.Phase == job.PhaseDone {
		return
	}
	line := p.Title
	if p.Text != "" {
		line += " (" + p.Text + ")"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.last {
		return
	}
	c.last = line
	fmt.Fprintln(c.out, line)
}

func (c *console) PresentError(ctx context.Context, req job.ErrorRequest) (job.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.auto {
		fmt.Fprintf(c.out, "%s: %s (skipped)\n", req.Title, req.Message)
		return job.Decision{Action: job.ActionSkip}, nil
	}

	fmt.Fprintf(c.out, "%s\n  %s\n", req.Title, req.Message)
	if req.ReadOnlyTarget {
		fmt.Fprintln(c.out, "  The target is on a read-only filesystem.")
	}
	for {
		fmt.Fprint(c.out, "[r]etry, [s]kip, [S]kip all, [c]ancel, [a]bort? ")
		line, err := c.readLine(ctx)
		if err != nil {
			return job.Decision{}, err
		}
		if d, ok := parseAnswer(line); ok {
			return d, nil
		}
	}
}

// parseAnswer maps a prompt reply to a decision.
func parseAnswer(s string) (job.Decision, bool) {
	switch strings.TrimSpace(s) {
	case "r", "retry":
		return job.Decision{Action: job.ActionRetry}, true
	case "s", "skip":
		return job.Decision{Action: job.ActionSkip}, true
	case "S", "skip all":
		return job.Decision{Action: job.ActionSkip, ApplyToAll: true}, true
	case "c", "cancel":
		return job.Decision{Action: job.ActionCancel}, true
	case "a", "abort":
		return job.Decision{Action: job.ActionAbort}, true
	default:
		return job.Decision{}, false
	}
}

// PerformUserAction asks for a password. VFSKIT_PASSWORD is tried once per
// authority before the terminal.
func (c *console) PerformUserAction(ctx context.Context, err *vfskit.UserActionRequiredError) bool {
	if err.Action != vfskit.ActionAuthenticate {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if pw, ok := os.LookupEnv("VFSKIT_PASSWORD"); ok && !c.envTried[err.Authority.Normalize()] {
		c.envTried[err.Authority.Normalize()] = true
		c.creds.Set(err.Authority, vfskit.Credentials{Password: pw})
		return true
	}
	if c.fd < 0 {
		return false
	}

	fmt.Fprintf(c.out, "Password for %s: ", err.Authority)
	pw, rerr := term.ReadPassword(c.fd)
	fmt.Fprintln(c.out)
	if rerr != nil || ctx.Err() != nil || len(pw) == 0 {
		return false
	}
	c.creds.Set(err.Authority, vfskit.Credentials{Password: string(pw)})
	return true
}

// readLine reads one line, giving up when ctx ends.
func (c *console) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *console) summary(status job.Status, res job.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := res.Transfer
	fmt.Fprintf(c.out, "%s: %d of %d files, %d bytes\n", status, t.TransferredFileCount, t.FileCount, t.TransferredSize)
}

var _ job.Presenter = (*console)(nil)
