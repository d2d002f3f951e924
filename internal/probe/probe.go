package probe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidHost  = errors.New("host must be an IP address or hostname")
	ErrToolNotFound = errors.New("probe tool not found on PATH")
)

// Bounds applied to caller supplied parameters.
const (
	MinCount     = 1
	MaxCount     = 20
	MinTimeoutMS = 200
	MaxTimeoutMS = 5000
	MinHops      = 1
	MaxHops      = 30
)

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*\.?$`)

// Result is the outcome of one external probe command.
type Result struct {
	Host     string   `json:"host"`
	OK       bool     `json:"ok"`
	ExitCode int      `json:"exit_code"`
	Lines    []string `json:"lines"`
}

// ValidateHost accepts an IP literal or a plain DNS hostname and returns it
// trimmed. Anything else, including shell metacharacters, is rejected.
func ValidateHost(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" || len(host) > 253 {
		return "", ErrInvalidHost
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.String(), nil
	}
	if !hostnameRe.MatchString(host) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return host, nil
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Prober runs ping and traceroute with bounded arguments and timeouts.
type Prober struct {
	logger   zerolog.Logger
	goos     string
	run      Runner
	lookPath func(string) (string, error)
}

// NewProber returns a Prober using the system binaries.
func NewProber(logger zerolog.Logger) *Prober {
	return &Prober{
		logger:   logger,
		goos:     runtime.GOOS,
		run:      execRunner,
		lookPath: exec.LookPath,
	}
}

// WithRunner swaps the command runner and binary lookup. Used by tests.
func (p *Prober) WithRunner(run Runner, lookPath func(string) (string, error)) *Prober {
	p.run = run
	p.lookPath = lookPath
	return p
}

// Ping sends count echo requests to host. Non-zero exits and timeouts are
// reported in the Result, not as errors.
func (p *Prober) Ping(ctx context.Context, host string, count, timeoutMS int) (Result, error) {
	host, err := ValidateHost(host)
	if err != nil {
		return Result{}, err
	}
	count = clamp(count, MinCount, MaxCount, 4)
	timeout := time.Duration(clamp(timeoutMS, MinTimeoutMS, MaxTimeoutMS, 1000)) * time.Millisecond

	name, args := pingArgs(p.goos, host, count, timeout)
	limit := time.Duration(count)*(timeout+time.Second) + 2*time.Second
	return p.exec(ctx, host, limit, name, args...)
}

// Traceroute traces the route to host with at most maxHops hops.
func (p *Prober) Traceroute(ctx context.Context, host string, maxHops int) (Result, error) {
	host, err := ValidateHost(host)
	if err != nil {
		return Result{}, err
	}
	maxHops = clamp(maxHops, MinHops, MaxHops, 20)

	name, args := tracerouteArgs(p.goos, host, maxHops)
	limit := time.Duration(maxHops)*3*time.Second + 5*time.Second
	return p.exec(ctx, host, limit, name, args...)
}

func (p *Prober) exec(ctx context.Context, host string, limit time.Duration, name string, args ...string) (Result, error) {
	if _, err := p.lookPath(name); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	out, err := p.run(ctx, name, args...)
	res := Result{Host: host, Lines: splitLines(out)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.OK = true
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Lines = append(res.Lines, fmt.Sprintf("%s timed out after %s", name, limit))
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Lines = append(res.Lines, err.Error())
	}

	p.logger.Debug().Str("cmd", name).Str("host", host).Int("exit", res.ExitCode).Msg("probe finished")
	return res, nil
}

// PingArgs builds the ping command line for the current platform.
func PingArgs(host string, count int, timeout time.Duration) (string, []string) {
	return pingArgs(runtime.GOOS, host, count, timeout)
}

func pingArgs(goos, host string, count int, timeout time.Duration) (string, []string) {
	ms := int(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	n := strconv.Itoa(count)

	switch goos {
	case "windows":
		return "ping", []string{"-n", n, "-w", strconv.Itoa(ms), host}
	case "darwin":
		return "ping", []string{"-c", n, "-W", strconv.Itoa(ms), host}
	}
	secs := (ms + 999) / 1000
	return "ping", []string{"-c", n, "-W", strconv.Itoa(secs), host}
}

func tracerouteArgs(goos, host string, maxHops int) (string, []string) {
	h := strconv.Itoa(maxHops)
	if goos == "windows" {
		return "tracert", []string{"-d", "-h", h, "-w", "2000", host}
	}
	return "traceroute", []string{"-n", "-m", h, "-w", "2", host}
}

func clamp(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splitLines(out []byte) []string {
	lines := []string{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if l := strings.TrimRight(sc.Text(), "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
