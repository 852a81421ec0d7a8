// Package errorreporter posts structured error reports to the server:
// {error_type, error_message, target_version?, custom_details?,
// timestamp}.
package errorreporter

import (
	"context"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// Poster sends one error report to the server. Implemented by
// httpclient.Client.ReportError.
type Poster interface {
	ReportError(ctx context.Context, report model.ErrorReport) error
}

// Reporter is the sole place error reports are assembled and sent.
// Transport failures are logged, never retried beyond whatever retry
// httpclient's own policy already applied to the POST.
type Reporter struct {
	poster Poster
	clk    clock.Clock
	log    *logging.Logger
}

// New returns a Reporter.
func New(poster Poster, clk clock.Clock, log *logging.Logger) *Reporter {
	return &Reporter{poster: poster, clk: clk, log: log}
}

// Report posts one structured error. targetVersion and customDetails are
// optional (pass "" when not applicable).
func (r *Reporter) Report(ctx context.Context, errType, message, targetVersion, customDetails string) {
	report := model.ErrorReport{
		ErrorType:     errType,
		ErrorMessage:  message,
		TargetVersion: targetVersion,
		CustomDetails: customDetails,
		Timestamp:     r.clk.Now().UTC(),
	}
	if err := r.poster.ReportError(ctx, report); err != nil {
		r.log.Warn("failed to post error report", "error_type", errType, "error", err)
	}
}

// ReportUpdateError satisfies update.ErrorReporter, letting the Update
// Engine report failures through the same reporting path as everything
// else rather than owning its own HTTP call.
func (r *Reporter) ReportUpdateError(ctx context.Context, errType, message, targetVersion string) {
	r.Report(ctx, errType, message, targetVersion, "")
}
