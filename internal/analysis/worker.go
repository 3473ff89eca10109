// Package analysis holds the analysis workers candidates are submitted to.
// Submission is fire-and-forget: Analyse hands the candidate over and
// returns, scoring and feedback into the program store happen downstream.
package analysis

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"funsearch/internal/model"
)

var logger = loggo.GetLogger("funsearch.analysis")

// ErrSubmission marks a worker that rejected or failed to accept a
// submission.
const ErrSubmission = errors.ConstError("submission failed")

type Worker interface {
	Name() string
	Analyse(ctx context.Context, sub model.Submission) error
}

// EncodeSubmission is the wire form used by the remote workers.
func EncodeSubmission(sub model.Submission) ([]byte, error) {
	return json.Marshal(sub)
}

func submissionError(err error, worker string, sub model.Submission) error {
	return errors.WithType(errors.Annotatef(err, "worker %q submission %s", worker, sub.ID), ErrSubmission)
}
