// Package importer submits JSON-lines report batches. Each line has the
// shape of a POST /reports body.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/api"
	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/metrics"
	"github.com/transformaps/vera/internal/vera"
)

// maxLine bounds a single report line.
const maxLine = 1 << 20

// Submitter accepts reports. *vera.Service satisfies it.
type Submitter interface {
	CreateReport(ctx context.Context, in vera.NewReport) (*vera.ReportReceipt, error)
}

type Summary struct {
	Lines    int
	Created  int
	Rejected int
}

type Importer struct {
	svc    Submitter
	client *http.Client
	log    *zap.Logger
}

func New(svc Submitter, client *http.Client, log *zap.Logger) *Importer {
	if log == nil {
		log = zap.L()
	}
	return &Importer{svc: svc, client: client, log: log}
}

// Import opens source and submits every line in it.
func (im *Importer) Import(ctx context.Context, source string) (Summary, error) {
	rc, err := Open(ctx, source, im.client)
	if err != nil {
		return Summary{}, err
	}
	defer rc.Close()

	sum, err := im.Run(ctx, rc)
	im.log.Info("import finished",
		zap.String("source", source),
		zap.Int("lines", sum.Lines),
		zap.Int("created", sum.Created),
		zap.Int("rejected", sum.Rejected),
		zap.Error(err))
	return sum, err
}

// Run submits each non-blank line of r as a report. Lines the engine rejects
// are counted and skipped. Any other failure stops the run; reports created
// before it stay committed.
func (im *Importer) Run(ctx context.Context, r io.Reader) (Summary, error) {
	var sum Summary
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Lines++

		receipt, err := im.submit(ctx, line)
		switch {
		case err == nil:
			sum.Created++
			metrics.ImportLines.WithLabelValues("created").Inc()
			im.log.Debug("import: report created",
				zap.Int("line", lineNo),
				zap.Int64("report_id", receipt.ReportID),
				zap.Int64("event_id", receipt.EventID))
		case rejected(err):
			sum.Rejected++
			metrics.ImportLines.WithLabelValues("rejected").Inc()
			im.log.Warn("import: line rejected",
				zap.Int("line", lineNo),
				zap.String("kind", errs.KindOf(err).String()),
				zap.Error(err))
		default:
			metrics.ImportLines.WithLabelValues("failed").Inc()
			return sum, eris.Wrapf(err, "importer: line %d", lineNo)
		}
	}
	if err := sc.Err(); err != nil {
		return sum, eris.Wrapf(err, "importer: read after line %d", lineNo)
	}
	return sum, nil
}

func (im *Importer) submit(ctx context.Context, line string) (*vera.ReportReceipt, error) {
	var req api.ReportRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, &errs.InvalidValueError{Parameter: "line", Reason: err.Error()}
	}
	in, err := req.NewReport()
	if err != nil {
		return nil, err
	}
	return im.svc.CreateReport(ctx, in)
}

// rejected reports whether err is the fault of the line itself. Unknown
// statuses surface as not found when statuses are not auto-created.
func rejected(err error) bool {
	return errs.IsClientError(err) || errs.KindOf(err) == errs.KindNotFound
}
