package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ilyasseyounes1/patient-management-system-enterprise/pkg/pagination"
)

// Handler exposes the patient API over Echo.
type Handler struct {
	service *Service
}

// NewHandler creates a new Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes binds the patient routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients", h.List)
	g.POST("/patients", h.Create)
	g.GET("/patients/:id", h.Get)
	g.PUT("/patients/:id", h.Update)
	g.DELETE("/patients/:id", h.Delete)
}

// patientEnvelope is a Response annotated with any non-fatal downstream
// failures. A 2xx status with warnings means the patient record is committed
// but a side effect (billing, events) did not complete.
type patientEnvelope struct {
	Response
	Warnings []SideEffectFailure `json:"warnings,omitempty"`
}

// List handles GET /patients.
func (h *Handler) List(c echo.Context) error {
	params := pagination.FromContext(c)

	all, err := h.service.GetAll(c.Request().Context())
	if err != nil {
		return writeError(err)
	}
	start, end := params.Slice(len(all))
	return c.JSON(http.StatusOK, pagination.NewResponse(all[start:end], len(all), params.Limit, params.Offset))
}

// Get handles GET /patients/:id.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	resp, err := h.service.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Create handles POST /patients.
func (h *Handler) Create(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	result, err := h.service.Create(c.Request().Context(), req)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusCreated, patientEnvelope{Response: result.Patient, Warnings: result.Warnings})
}

// Update handles PUT /patients/:id.
func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	result, err := h.service.Update(c.Request().Context(), id, req)
	if err != nil {
		return writeError(err)
	}
	return c.JSON(http.StatusOK, patientEnvelope{Response: result.Patient, Warnings: result.Warnings})
}

// Delete handles DELETE /patients/:id. The usual response is 204; when the
// deletion committed but the deleted event could not be published, a 200 with
// a warnings body is returned instead so callers can see the degradation.
func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	warnings, err := h.service.Delete(c.Request().Context(), id)
	if err != nil {
		return writeError(err)
	}
	if len(warnings) > 0 {
		return c.JSON(http.StatusOK, map[string]interface{}{"warnings": warnings})
	}
	return c.NoContent(http.StatusNoContent)
}

// writeError maps domain errors to HTTP errors. Unrecognised errors become an
// opaque 500 so internal details never leak to clients.
func writeError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":  verr.Error(),
			"fields": verr.Fields,
		})
	case errors.Is(err, ErrDuplicateEmail):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
