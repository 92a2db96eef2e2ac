package report

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/pkg/pagination"
)

const maxUploadBytes = 5 << 20

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/analyses", h.CreateAnalysis)
	api.POST("/analyses/extract", h.ExtractMeasurements)
	api.GET("/reports", h.ListReports)
	api.GET("/reports/:id", h.GetReport)
}

// submissionRequest is an exam as posted by a client. Text, when present, is
// a pasted lab printout whose recognized values are added to Measurements.
type submissionRequest struct {
	Species      string                 `json:"species"`
	SubmittedAt  *time.Time             `json:"submitted_at,omitempty"`
	Patient      *analysis.Patient      `json:"patient,omitempty"`
	Measurements []analysis.Measurement `json:"measurements"`
	Text         string                 `json:"text,omitempty"`
}

type validationResponse struct {
	Error     string           `json:"error"`
	TestCodes []string         `json:"test_codes"`
	Issues    []analysis.Issue `json:"issues"`
}

type analysisResponse struct {
	ReportID string `json:"report_id"`
	Disclosure
}

func (h *Handler) CreateAnalysis(c echo.Context) error {
	var req submissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sub := analysis.Submission{
		Species:      req.Species,
		Patient:      req.Patient,
		Measurements: req.Measurements,
	}
	if req.SubmittedAt != nil {
		sub.SubmittedAt = *req.SubmittedAt
	}
	if req.Text != "" {
		sub.Measurements = append(sub.Measurements, analysis.ExtractText(req.Text)...)
	}

	ctx := c.Request().Context()
	r, d, err := h.svc.Submit(ctx, auth.EntitlementFromContext(ctx), sub)
	if err != nil {
		var verr *analysis.ValidationError
		if errors.As(err, &verr) {
			codes := verr.TestCodes()
			if codes == nil {
				codes = []string{}
			}
			return c.JSON(http.StatusUnprocessableEntity, validationResponse{
				Error:     "submission rejected",
				TestCodes: codes,
				Issues:    verr.Issues,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, analysisResponse{ReportID: r.ID, Disclosure: d})
}

func (h *Handler) ExtractMeasurements(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(data) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	ms, err := h.svc.Extract(fh.Filename, fh.Header.Get(echo.HeaderContentType), data)
	switch {
	case errors.Is(err, ErrUnsupportedFile):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, analysis.ErrNoMeasurements), errors.Is(err, analysis.ErrUnreadableDocument):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"filename":     fh.Filename,
		"count":        len(ms),
		"measurements": ms,
	})
}

func (h *Handler) GetReport(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.svc.Get(ctx, auth.EntitlementFromContext(ctx), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.History(ctx, auth.EntitlementFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}
