package refrange

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/reference-ranges", h.ListRanges)
}

type rangeView struct {
	Range
	Reference string `json:"reference"`
}

// ListRanges serves the table for one species. Unknown species are rejected
// instead of silently falling back to another species' values.
func (h *Handler) ListRanges(c echo.Context) error {
	raw := c.QueryParam("species")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "species query parameter is required")
	}
	snap := h.store.Snapshot()
	species, ok := snap.Species(raw)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown species: "+raw)
	}

	ranges := snap.List(species)
	views := make([]rangeView, 0, len(ranges))
	formatted := make(map[string]string, len(ranges))
	for _, r := range ranges {
		views = append(views, rangeView{Range: r, Reference: r.Format()})
		formatted[r.Code] = r.Format()
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"species":          species,
		"snapshot_version": snap.Version(),
		"values":           formatted,
		"ranges":           views,
	})
}
