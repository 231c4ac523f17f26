// Package execution runs room code on an external sandbox through a bounded
// worker pool.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"coderoom/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("execution queue is full")
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("execution service is shutting down")
)

// Runner executes one program.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Job is one execute-code request. Done receives the text shown to the room
// as the execution output; it runs on a worker goroutine.
type Job struct {
	RoomID   string
	FilePath string
	Code     string
	Context  context.Context
	Done     func(output string)
}

/*
EXECUTION WORKER POOL

  Hub.executeCode → Submit → jobs channel → worker N → Runner.Run → Done

The pool bounds both concurrency (workers) and backlog (queue size).
Submit never blocks the socket goroutine that calls it: a full queue is
reported to the requester as an error output straight away.

Every run gets its own deadline. A sandbox that exceeds it is reported as
a timeout, not as a failure of the program.
*/

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
type Pool struct {
	runner  Runner
	timeout time.Duration

	jobs    chan Job
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPool creates a pool. Call Start to spawn the workers.
func NewPool(runner Runner, workers, queueSize int, timeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runner:  runner,
		timeout: timeout,
		jobs:    make(chan Job, queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Pool) Start() {
	log.Printf("🔧 Starting execution worker pool with %d workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Println("✓ Execution worker pool started")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			log.Printf("  Worker %d running %s in room %s", id, job.FilePath, job.RoomID)
			output := p.run(job)
			if job.Done != nil {
				job.Done(output)
			}
		}
	}
}

// Submit queues a job without blocking. It fails with ErrQueueFull when the
// backlog is full and ErrPoolClosed after Shutdown.
func (p *Pool) Submit(job Job) error {
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) run(job Job) string {
	parent := job.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, span := middleware.StartSpan(parent, "Execution.Run",
		attribute.String("room.id", job.RoomID),
		attribute.String("file.path", job.FilePath),
	)
	defer span.End()

	lang := LanguageFor(job.FilePath)
	if lang == "" {
		return fmt.Sprintf("Error: no runtime for %s", job.FilePath)
	}
	span.SetAttributes(attribute.String("exec.language", lang))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	result, err := p.runner.Run(ctx, Request{Language: lang, Code: job.Code})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("Error: execution timed out after %s", p.timeout)
		}
		log.Printf("❌ Execution of %s in room %s failed: %v", job.FilePath, job.RoomID, err)
		return "Error: " + err.Error()
	}
	span.SetAttributes(attribute.Int("exec.exit_code", result.ExitCode))
	return FormatOutput(result, p.timeout)
}

// Shutdown stops the workers. Jobs still queued are dropped.
func (p *Pool) Shutdown() {
	log.Println("🛑 Shutting down execution service...")
	p.cancel()
	p.wg.Wait()
	log.Println("✓ Execution service shutdown complete")
}

// QueueLength returns the number of jobs waiting for a worker.
func (p *Pool) QueueLength() int { return len(p.jobs) }

var languages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".go":   "go",
	".java": "java",
	".c":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".rb":   "ruby",
	".rs":   "rust",
	".sh":   "bash",
}

// LanguageFor maps a file path to the sandbox language by extension. It
// returns "" for files nothing can run.
func LanguageFor(filePath string) string {
	return languages[strings.ToLower(path.Ext(filePath))]
}

// FormatOutput renders a sandbox result as the room's output panel text.
func FormatOutput(r *Result, timeout time.Duration) string {
	var lines []string
	for _, part := range []string{r.Stdout, r.Stderr} {
		if part != "" {
			lines = append(lines, strings.TrimSuffix(part, "\n"))
		}
	}
	switch {
	case r.TimedOut:
		lines = append(lines, fmt.Sprintf("Error: execution timed out after %s", timeout))
	case r.ExitCode != 0:
		lines = append(lines, fmt.Sprintf("Process exited with code %d", r.ExitCode))
	}
	if len(lines) == 0 {
		return "(no output)"
	}
	return strings.Join(lines, "\n")
}
