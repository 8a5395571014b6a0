package formschema

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/acutis/intake/internal/domain/versiondiff"
	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/auth"
	"github.com/acutis/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – staff who run or design intake
	readGroup := api.Group("/schemas", auth.RequireRole(auth.RoleAdmin, auth.RoleFormDesigner,
		auth.RoleClinician, auth.RoleNurse, auth.RoleAdmissions))
	readGroup.GET("", h.List)
	readGroup.GET("/active", h.Active)
	readGroup.GET("/history", h.History)
	readGroup.GET("/:id", h.Get)
	readGroup.GET("/:id/diff/:otherId", h.Diff)

	// Write endpoints – admin, form designer
	writeGroup := api.Group("/schemas", auth.RequireRole(auth.RoleAdmin, auth.RoleFormDesigner))
	writeGroup.POST("", h.Create)
	writeGroup.POST("/resolve", h.Resolve)
	writeGroup.PUT("/:id", h.Update)
	writeGroup.POST("/:id/publish", h.Publish)
	writeGroup.POST("/:id/duplicate", h.Duplicate)
	writeGroup.DELETE("/:id", h.Delete)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateDraftInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fs, err := h.svc.CreateDraft(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, fs)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	fs, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, fs)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{Unit: c.QueryParam("unit"), Status: Status(c.QueryParam("status"))}
	if at := c.QueryParam("admission_type"); at != "" {
		f.AdmissionType = &at
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*FormSchema{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Active(c echo.Context) error {
	unit := c.QueryParam("unit")
	if unit == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unit is required")
	}
	fs, err := h.svc.ActiveFor(c.Request().Context(), unit, optionalQuery(c, "admission_type"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, fs)
}

func (h *Handler) History(c echo.Context) error {
	unit := c.QueryParam("unit")
	if unit == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unit is required")
	}
	items, err := h.svc.History(c.Request().Context(), unit, optionalQuery(c, "admission_type"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in UpdateDraftInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fs, err := h.svc.UpdateDraft(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, fs)
}

func (h *Handler) Publish(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	fs, err := h.svc.Publish(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, fs)
}

type duplicateRequest struct {
	Name string `json:"name"`
}

func (h *Handler) Duplicate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req duplicateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fs, err := h.svc.Duplicate(c.Request().Context(), id, req.Name)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, fs)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Diff returns the section changes between two versions. Identical versions
// give an empty array.
func (h *Handler) Diff(c echo.Context) error {
	oldID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	newID, err := uuid.Parse(c.Param("otherId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid otherId")
	}
	d, err := h.svc.Diff(c.Request().Context(), oldID, newID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if d == nil {
		d = versiondiff.Diff{}
	}
	return c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	Steps []DraftStep `json:"steps"`
}

type resolveResponse struct {
	Steps       []Step   `json:"steps"`
	UnknownRefs []string `json:"unknown_refs"`
}

// Resolve previews what a draft expands to without saving it.
func (h *Handler) Resolve(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	steps, unknown, err := h.svc.Preview(c.Request().Context(), req.Steps)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if unknown == nil {
		unknown = []string{}
	}
	return c.JSON(http.StatusOK, resolveResponse{Steps: steps, UnknownRefs: unknown})
}

func optionalQuery(c echo.Context, name string) *string {
	if v := c.QueryParam(name); v != "" {
		return &v
	}
	return nil
}
