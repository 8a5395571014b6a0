package elementlib

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/acutis/intake/internal/platform/apperr"
	"github.com/acutis/intake/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – everyone who works with forms
	readGroup := api.Group("/elements", auth.RequireRole(auth.RoleAdmin, auth.RoleFormDesigner,
		auth.RoleClinician, auth.RoleNurse, auth.RoleAdmissions))
	readGroup.GET("", h.List)
	readGroup.GET("/categories", h.ListCategories)
	readGroup.GET("/categories/:id", h.GetCategory)
	readGroup.GET("/popular", h.Popular)
	readGroup.GET("/stats", h.Stats)
	readGroup.GET("/:id", h.Get)
	readGroup.POST("/validate", h.Validate)

	// Write endpoints – admin, form designer
	writeGroup := api.Group("/elements", auth.RequireRole(auth.RoleAdmin, auth.RoleFormDesigner))
	writeGroup.POST("", h.Create)
	writeGroup.POST("/:id/clone", h.Clone)
	writeGroup.DELETE("/:id", h.Delete)
}

func (h *Handler) ListCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Categories(c.Request().Context()))
}

func (h *Handler) GetCategory(c echo.Context) error {
	cat, err := h.svc.Category(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, cat)
}

// List searches with ?q= and narrows to one category with ?category=.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		items []Element
		err   error
	)
	if cat := c.QueryParam("category"); cat != "" {
		items, err = h.svc.ElementsByCategory(ctx, cat)
		if err == nil && c.QueryParam("q") != "" {
			items = filterByQuery(items, c.QueryParam("q"))
		}
	} else {
		items, err = h.svc.Search(ctx, c.QueryParam("q"))
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Popular(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.Popular(c.Request().Context(), limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Statistics(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Get(c echo.Context) error {
	e, err := h.svc.Element(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Validate(c echo.Context) error {
	var e Element
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, Validate(e))
}

func (h *Handler) Create(c echo.Context) error {
	var e Element
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := h.svc.AddCustomElement(c.Request().Context(), e)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

type cloneRequest struct {
	Name string `json:"name"`
}

func (h *Handler) Clone(c echo.Context) error {
	var req cloneRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cloned, err := h.svc.CloneElement(c.Request().Context(), c.Param("id"), req.Name)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, cloned)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.RemoveCustomElement(c.Request().Context(), c.Param("id")); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func filterByQuery(items []Element, q string) []Element {
	q = strings.ToLower(strings.TrimSpace(q))
	out := []Element{}
	for _, e := range items {
		if matches(e, q) {
			out = append(out, e)
		}
	}
	return out
}
