package analysis

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/juju/errors"

	"funsearch/internal/model"
)

// CommandEvaluator runs an external evaluator process per submission, with
// the submission JSON on stdin. A non-zero exit is a rejection.
type CommandEvaluator struct {
	Command []string
	Dir     string
}

func (e CommandEvaluator) Evaluate(ctx context.Context, sub model.Submission) error {
	if len(e.Command) == 0 {
		return errors.NotValidf("empty evaluator command")
	}
	payload, err := EncodeSubmission(sub)
	if err != nil {
		return errors.Trace(err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return errors.Annotatef(err, "%s: %s", e.Command[0], lastLine(output.String()))
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// SpoolEvaluator appends every submission as a JSON line to a file for an
// out-of-process evaluator to pick up.
type SpoolEvaluator struct {
	mu   sync.Mutex
	path string
}

func NewSpoolEvaluator(path string) (*SpoolEvaluator, error) {
	if path == "" {
		return nil, errors.NotValidf("empty spool path")
	}
	return &SpoolEvaluator{path: path}, nil
}

func (e *SpoolEvaluator) Evaluate(_ context.Context, sub model.Submission) error {
	payload, err := EncodeSubmission(sub)
	if err != nil {
		return errors.Trace(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := f.Write(append(payload, '\n')); err != nil {
		_ = f.Close()
		return errors.Trace(err)
	}
	return errors.Trace(f.Close())
}
