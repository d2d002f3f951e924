package tshark

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"netwarden/internal/models"
)

var (
	ErrToolNotFound     = errors.New("tshark not found on PATH")
	ErrUnknownInterface = errors.New("unknown interface")
	ErrInvalidFilename  = errors.New("invalid capture filename")
	ErrUnknownCapture   = errors.New("unknown capture id")
	ErrFileNotFound     = errors.New("capture file not found")
)

// Duration bounds for a tool capture, in seconds.
const (
	MinDuration     = 5
	MaxDuration     = 300
	DefaultDuration = 60
)

// Process is the subset of a child process the orchestrator manages.
type Process interface {
	Pid() int
	Wait() error
	Interrupt() error
	Kill() error
}

// Starter launches name with args, without a shell.
type Starter func(name string, args []string) (Process, error)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int         { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error      { return p.cmd.Wait() }
func (p *execProcess) Interrupt() error { return p.cmd.Process.Signal(os.Interrupt) }
func (p *execProcess) Kill() error      { return p.cmd.Process.Kill() }

// ExecStarter starts a real child process.
func ExecStarter(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

// OrchestratorConfig wires the orchestrator to the environment.
type OrchestratorConfig struct {
	Dir        string
	TsharkPath string
	// Interfaces returns the names this process can enumerate. An empty set
	// disables interface validation.
	Interfaces func() map[string]bool
	LookPath   func(string) (string, error)
	Start      Starter
}

type entry struct {
	job  models.TsharkJob
	proc Process
}

// Orchestrator runs tshark captures to files in a dedicated directory.
type Orchestrator struct {
	logger zerolog.Logger
	config OrchestratorConfig

	mu   sync.Mutex
	jobs map[string]*entry
}

// NewOrchestrator creates an orchestrator with no running captures.
func NewOrchestrator(logger zerolog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.TsharkPath == "" {
		cfg.TsharkPath = "tshark"
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.Start == nil {
		cfg.Start = ExecStarter
	}
	if cfg.Interfaces == nil {
		cfg.Interfaces = func() map[string]bool { return nil }
	}
	return &Orchestrator{
		logger: logger,
		config: cfg,
		jobs:   make(map[string]*entry),
	}
}

// ClampDuration bounds a requested capture duration. Zero selects the default.
func ClampDuration(seconds int) int {
	switch {
	case seconds == 0:
		return DefaultDuration
	case seconds < MinDuration:
		return MinDuration
	case seconds > MaxDuration:
		return MaxDuration
	}
	return seconds
}

// Start launches `tshark -i iface -a duration:N -w path` and registers the job.
func (o *Orchestrator) Start(iface string, durationSeconds int) (models.TsharkJob, error) {
	bin, err := o.config.LookPath(o.config.TsharkPath)
	if err != nil {
		return models.TsharkJob{}, fmt.Errorf("%w: %s", ErrToolNotFound, o.config.TsharkPath)
	}

	iface = strings.TrimSpace(iface)
	if iface != "" {
		if known := o.config.Interfaces(); len(known) > 0 && !known[iface] {
			return models.TsharkJob{}, fmt.Errorf("%w: %q", ErrUnknownInterface, iface)
		}
	}
	duration := ClampDuration(durationSeconds)

	dir, err := o.dir()
	if err != nil {
		return models.TsharkJob{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.TsharkJob{}, fmt.Errorf("create capture dir: %w", err)
	}

	id := uuid.NewString()
	filename := fmt.Sprintf("capture_%s_%s.pcapng", time.Now().Format("20060102_150405"), id[:8])
	path, err := safeJoin(dir, filename)
	if err != nil {
		return models.TsharkJob{}, err
	}

	args := []string{}
	if iface != "" {
		args = append(args, "-i", iface)
	}
	args = append(args, "-a", "duration:"+strconv.Itoa(duration), "-w", path)

	proc, err := o.config.Start(bin, args)
	if err != nil {
		return models.TsharkJob{}, fmt.Errorf("failed to start tshark: %w", err)
	}

	e := &entry{
		job: models.TsharkJob{
			CaptureID:       id,
			PID:             proc.Pid(),
			Interface:       iface,
			StartedAt:       time.Now(),
			DurationSeconds: duration,
			Filename:        filename,
			Path:            path,
		},
		proc: proc,
	}

	o.mu.Lock()
	o.jobs[id] = e
	o.mu.Unlock()

	go o.reap(id, proc)

	o.logger.Info().Str("id", id).Int("pid", e.job.PID).Str("iface", iface).Int("duration", duration).Msg("tshark capture started")
	return e.job, nil
}

// reap drops the registry entry once the process exits.
func (o *Orchestrator) reap(id string, proc Process) {
	err := proc.Wait()

	o.mu.Lock()
	delete(o.jobs, id)
	o.mu.Unlock()

	if err != nil {
		o.logger.Debug().Err(err).Str("id", id).Msg("tshark capture exited")
		return
	}
	o.logger.Info().Str("id", id).Msg("tshark capture finished")
}

// Stop asks a running capture to terminate. It does not wait for the process;
// termination failures are logged and otherwise ignored.
func (o *Orchestrator) Stop(id string) (models.TsharkJob, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return models.TsharkJob{}, fmt.Errorf("%w: %s", ErrUnknownCapture, id)
	}

	if err := e.proc.Interrupt(); err != nil {
		o.logger.Debug().Err(err).Str("id", id).Msg("interrupt failed, killing")
		if err := e.proc.Kill(); err != nil {
			o.logger.Warn().Err(err).Str("id", id).Msg("failed to terminate tshark")
		}
	}
	o.logger.Info().Str("id", id).Msg("tshark capture stop requested")
	return e.job, nil
}

// StopAll requests termination of every running capture.
func (o *Orchestrator) StopAll() {
	for _, j := range o.Jobs() {
		_, _ = o.Stop(j.CaptureID)
	}
}

// Jobs returns the running captures ordered by start time.
func (o *Orchestrator) Jobs() []models.TsharkJob {
	o.mu.Lock()
	out := make([]models.TsharkJob, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, e.job)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ListFiles lists regular files in the capture directory, newest first.
func (o *Orchestrator) ListFiles() ([]models.CaptureFile, error) {
	dir, err := o.dir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []models.CaptureFile{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := make([]models.CaptureFile, 0, len(entries))
	for _, de := range entries {
		if !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, models.CaptureFile{
			Name:     de.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool { return files[i].Modified.After(files[j].Modified) })
	return files, nil
}

// ResolveFile maps a bare filename to its path inside the capture directory.
func (o *Orchestrator) ResolveFile(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}

	dir, err := o.dir()
	if err != nil {
		return "", err
	}
	path, err := safeJoin(dir, name)
	if err != nil {
		return "", err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if path, err = resolveLink(dir, path, name); err != nil {
			return "", err
		}
		if info, err = os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
		}
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return path, nil
}

// resolveLink follows a symlink and requires its target to stay inside dir.
func resolveLink(dir, path, name string) (string, error) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolve capture dir: %w", err)
	}
	rel, err := filepath.Rel(realDir, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q points outside the capture directory", ErrInvalidFilename, name)
	}
	return target, nil
}

func (o *Orchestrator) dir() (string, error) {
	dir, err := filepath.Abs(o.config.Dir)
	if err != nil {
		return "", fmt.Errorf("resolve capture dir: %w", err)
	}
	return dir, nil
}

// safeJoin joins name onto dir and rejects results outside dir.
func safeJoin(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return path, nil
}
