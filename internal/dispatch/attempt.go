package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Status classifies how one attempt ended.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusIdleTimeout Status = "idle-timeout"
	StatusMaxTimeout  Status = "max-timeout"
	StatusExitError   Status = "exit-error"
	StatusStartError  Status = "start-error"
)

// Outcome is the structured result of a dispatch.
type Outcome struct {
	Status         Status         `json:"status"`
	ExitCode       int            `json:"exitCode"`
	Duration       time.Duration  `json:"duration"`
	Attempts       int            `json:"attempts"`
	CLI            string         `json:"cli"`
	Model          string         `json:"model"`
	OutputPath     string         `json:"outputPath"`
	ResultPath     string         `json:"resultPath,omitempty"`
	Verdict        string         `json:"verdict,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	Clarifications []string       `json:"clarifications,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	// Text is the final worker text: the result field of a structured
	// result event, or the raw output.
	Text string `json:"-"`
}

// Succeeded reports whether the attempt finished normally.
func (o *Outcome) Succeeded() bool {
	return o != nil && o.Status == StatusSuccess
}

// Timing bounds one attempt.
type Timing struct {
	Idle  time.Duration
	Max   time.Duration
	Poll  time.Duration
	Grace time.Duration
}

type attemptSpec struct {
	provider   Provider
	inv        Invocation
	promptPath string
	outputPath string
	dir        string
	env        []string
	timing     Timing
	usePTY     bool
}

// outputSink writes process output to the output file and feeds the
// provider's completion scanner.
type outputSink struct {
	mu        sync.Mutex
	w         io.Writer
	scanner   CompletionScanner
	completed bool
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanner != nil && !s.completed && s.scanner.Feed(p) {
		s.completed = true
	}
	return s.w.Write(p)
}

func (s *outputSink) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// runAttempt executes exactly one worker invocation. The process runs in its
// own process group, which is always killed before returning. Only context
// cancellation is returned as an error; every other failure is classified in
// the outcome.
func runAttempt(ctx context.Context, spec attemptSpec) (Outcome, error) {
	start := time.Now()
	out := Outcome{
		CLI:        spec.provider.Name(),
		Model:      spec.inv.Model,
		OutputPath: spec.outputPath,
		ExitCode:   -1,
	}
	startFailed := func(err error) (Outcome, error) {
		out.Status = StatusStartError
		out.Error = err.Error()
		out.Duration = time.Since(start)
		return out, nil
	}

	outFile, err := os.Create(spec.outputPath)
	if err != nil {
		return startFailed(fmt.Errorf("create output file: %w", err))
	}
	defer func() { _ = outFile.Close() }()

	prompt, err := os.Open(spec.promptPath)
	if err != nil {
		return startFailed(fmt.Errorf("open prompt file: %w", err))
	}
	defer func() { _ = prompt.Close() }()

	name, args := spec.provider.Command(spec.inv)
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.dir
	cmd.Env = append(os.Environ(), spec.env...)
	cmd.Stdin = prompt
	cmd.WaitDelay = time.Second

	sink := &outputSink{w: outFile, scanner: spec.provider.Scanner()}
	copyDone := make(chan struct{})
	if spec.usePTY {
		ptmx, err := startPTY(cmd)
		if err != nil {
			return startFailed(fmt.Errorf("start %s under pty: %w", name, err))
		}
		defer func() { _ = ptmx.Close() }()
		go func() {
			_, _ = io.Copy(sink, ptmx)
			close(copyDone)
		}()
	} else {
		cmd.Stdout = sink
		cmd.Stderr = sink
		setProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return startFailed(fmt.Errorf("start %s: %w", name, err))
		}
		close(copyDone)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timing := spec.timing
	if timing.Poll <= 0 {
		timing.Poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(timing.Poll)
	defer ticker.Stop()

	var (
		lastSize      int64
		lastGrowth    = start
		graceDeadline time.Time
		status        Status
		exited        bool
		waitErr       error
	)

loop:
	for {
		select {
		case waitErr = <-waitCh:
			exited = true
			break loop
		case <-ctx.Done():
			killProcessGroup(cmd)
			<-waitCh
			out.Status = StatusExitError
			out.Error = ctx.Err().Error()
			out.Duration = time.Since(start)
			return out, ctx.Err()
		case now := <-ticker.C:
			if info, err := outFile.Stat(); err == nil && info.Size() != lastSize {
				lastSize = info.Size()
				lastGrowth = now
			}
			if graceDeadline.IsZero() && sink.Completed() {
				graceDeadline = now.Add(timing.Grace)
			}
			switch {
			case !graceDeadline.IsZero() && !now.Before(graceDeadline):
				status = StatusSuccess
				break loop
			case timing.Max > 0 && now.Sub(start) >= timing.Max:
				status = StatusMaxTimeout
				break loop
			case timing.Idle > 0 && lastSize > 0 && now.Sub(lastGrowth) >= timing.Idle:
				status = StatusIdleTimeout
				break loop
			}
		}
	}

	killProcessGroup(cmd)
	if !exited {
		waitErr = <-waitCh
	}
	select {
	case <-copyDone:
	case <-time.After(time.Second):
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if status == "" {
		switch {
		case sink.Completed(), waitErr == nil:
			status = StatusSuccess
		default:
			status = StatusExitError
			out.Error = waitErr.Error()
		}
	}
	out.Status = status
	switch status {
	case StatusIdleTimeout:
		out.Error = fmt.Sprintf("no output for %s", timing.Idle)
	case StatusMaxTimeout:
		out.Error = fmt.Sprintf("exceeded %s", timing.Max)
	}
	out.Duration = time.Since(start)

	data, err := os.ReadFile(spec.outputPath)
	if err == nil {
		text, result := spec.provider.ParseResult(data)
		markers := ParseMarkers(text)
		out.Text = text
		out.Result = result
		out.Verdict = markers.Verdict
		out.Errors = markers.Errors
		out.Clarifications = markers.Clarifications
	}
	return out, nil
}
