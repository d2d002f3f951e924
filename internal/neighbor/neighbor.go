package neighbor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"netwarden/internal/models"
)

// ErrNoNeighborTool is returned when neither `ip` nor `arp` can be run.
var ErrNoNeighborTool = errors.New("no neighbor table tool found (tried ip, arp)")

// CommandRunner runs name with args and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command directly, without a shell.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Reader reads the operating system's IP -> MAC neighbor cache.
type Reader struct {
	logger   zerolog.Logger
	timeout  time.Duration
	run      CommandRunner
	lookPath func(string) (string, error)
}

// NewReader returns a Reader that shells out to `ip neigh` or `arp -a`.
// Every invocation is bounded by timeout.
func NewReader(logger zerolog.Logger, timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reader{
		logger:   logger,
		timeout:  timeout,
		run:      ExecRunner,
		lookPath: exec.LookPath,
	}
}

// WithRunner swaps the command runner and binary lookup. Used by tests.
func (r *Reader) WithRunner(run CommandRunner, lookPath func(string) (string, error)) *Reader {
	r.run = run
	r.lookPath = lookPath
	return r
}

// Neighbors returns a fresh snapshot of the neighbor table sorted by IP.
// Entries without a resolved MAC are left out.
func (r *Reader) Neighbors(ctx context.Context) ([]models.NeighborEntry, error) {
	var lastErr error

	if _, err := r.lookPath("ip"); err == nil {
		out, err := r.exec(ctx, "ip", "neigh", "show")
		if err == nil {
			entries := ParseIPNeigh(out)
			SortByIP(entries)
			return entries, nil
		}
		r.logger.Debug().Err(err).Msg("ip neigh failed, falling back to arp")
		lastErr = err
	}

	if _, err := r.lookPath("arp"); err == nil {
		out, err := r.exec(ctx, "arp", "-a")
		if err == nil {
			entries := ParseARP(out)
			SortByIP(entries)
			return entries, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("read neighbor table: %w", lastErr)
	}
	return nil, ErrNoNeighborTool
}

func (r *Reader) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(ctx, name, args...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s timed out after %s", name, r.timeout)
	}
	return out, err
}
