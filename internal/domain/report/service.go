package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
	"github.com/luiz1143/Analisa-vet/internal/domain/payment"
	"github.com/luiz1143/Analisa-vet/internal/platform/archive"
	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
)

// Service runs submissions through the analysis engine, persists the result
// and serves it back through the Gateway.
type Service struct {
	engine  *analysis.Engine
	repo    Repository
	gateway *Gateway
	archive archive.Store
	log     zerolog.Logger
	now     func() time.Time
}

// NewService wires the report service. archive may be nil.
func NewService(engine *analysis.Engine, repo Repository, gateway *Gateway, arch archive.Store, log zerolog.Logger) *Service {
	return &Service{
		engine:  engine,
		repo:    repo,
		gateway: gateway,
		archive: arch,
		log:     log.With().Str("component", "report").Logger(),
		now:     time.Now,
	}
}

// Submit analyzes sub on behalf of the caller and stores the report. The
// caller becomes the owner. Resubmitting the same exam yields the same report
// and stores nothing new.
func (s *Service) Submit(ctx context.Context, ent auth.Entitlement, sub analysis.Submission) (*analysis.Report, Disclosure, error) {
	sub.OwnerID = ent.UserID
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.now()
	}

	start := time.Now()
	r, err := s.engine.Analyze(ctx, sub)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var verr *analysis.ValidationError
		switch {
		case errors.As(err, &verr):
			metrics.AnalysesTotal.WithLabelValues("invalid").Inc()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			metrics.AnalysesTotal.WithLabelValues("cancelled").Inc()
		}
		return nil, Disclosure{}, err
	}
	metrics.AnalysesTotal.WithLabelValues("ok").Inc()

	inserted, err := s.repo.Save(ctx, r)
	if err != nil {
		return nil, Disclosure{}, fmt.Errorf("save report: %w", err)
	}
	log := s.log.With().Str("report_id", r.ID).Str("owner_id", r.OwnerID).Logger()
	if inserted {
		log.Info().Str("species", r.Species).Str("severity", r.Severity.String()).
			Int("findings", r.FindingCount).Msg("report stored")
		s.archiveReport(ctx, log, r)
	}

	d, err := s.gateway.Resolve(ctx, r.ID, ent)
	if err != nil {
		return nil, Disclosure{}, err
	}
	return r, d, nil
}

func (s *Service) archiveReport(ctx context.Context, log zerolog.Logger, r *analysis.Report) {
	if s.archive == nil {
		return
	}
	body, err := encodeReport(r)
	if err == nil {
		_, err = s.archive.Put(ctx, archive.ReportKey(r.ID), body, "application/json")
	}
	if err != nil && !errors.Is(err, archive.ErrExists) {
		metrics.ArchiveFailuresTotal.Inc()
		log.Error().Err(err).Msg("archive report")
	}
}

// Get resolves a report for the caller.
func (s *Service) Get(ctx context.Context, ent auth.Entitlement, id string) (Disclosure, error) {
	return s.gateway.Resolve(ctx, id, ent)
}

// History lists the caller's reports as previews, most severe first.
func (s *Service) History(ctx context.Context, ent auth.Entitlement, limit, offset int) ([]Preview, int, error) {
	reports, total, err := s.repo.ListByOwner(ctx, ent.UserID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Preview, 0, len(reports))
	for _, r := range reports {
		out = append(out, PreviewOf(r))
	}
	return out, total, nil
}

// ReportOwner implements payment.ReportLookup.
func (s *Service) ReportOwner(ctx context.Context, reportID string) (string, error) {
	owner, err := s.repo.Owner(ctx, reportID)
	if errors.Is(err, ErrNotFound) {
		return "", payment.ErrReportNotFound
	}
	return owner, err
}

// Extract reads measurements out of an uploaded exam file. CSV exports and
// PDF reports are recognized by extension or content type; plain text is
// read as text. Other file types are refused.
func (s *Service) Extract(filename, contentType string, data []byte) ([]analysis.Measurement, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".csv" || ext == ".tsv" || strings.Contains(contentType, "csv"):
		return analysis.ExtractCSV(bytes.NewReader(data))
	case ext == ".pdf" || strings.Contains(contentType, "pdf"):
		ms, err := analysis.ExtractPDF(data)
		if err != nil && !errors.Is(err, analysis.ErrNoMeasurements) {
			s.log.Warn().Err(err).Str("filename", filename).Msg("pdf extraction failed")
		}
		return ms, err
	case ext == "" || ext == ".txt" || strings.HasPrefix(contentType, "text/"):
		ms := analysis.ExtractText(string(data))
		if len(ms) == 0 {
			return nil, analysis.ErrNoMeasurements
		}
		return ms, nil
	default:
		return nil, ErrUnsupportedFile
	}
}
