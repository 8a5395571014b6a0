package intake

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	// Read endpoints – admin, clinician, nurse, admissions
	readGroup := api.Group("/admissions", auth.RequireRole(auth.RoleAdmin, auth.RoleClinician,
		auth.RoleNurse, auth.RoleAdmissions))
	readGroup.GET("", h.List)
	readGroup.GET("/stats", h.Stats)
	readGroup.GET("/activity", h.Activity)
	readGroup.GET("/:id", h.Get)
	readGroup.GET("/:id/session/:sessionId", h.GetSession)
	readGroup.GET("/:id/session/:sessionId/changes", h.SessionChanges)

	// Write endpoints – admin, admissions, nurse
	writeGroup := api.Group("/admissions", auth.RequireRole(auth.RoleAdmin, auth.RoleAdmissions, auth.RoleNurse))
	writeGroup.POST("", h.Create)
	writeGroup.POST("/:id/arrive", h.Arrive)
	writeGroup.POST("/:id/session", h.StartSession)
	writeGroup.PUT("/:id/session/:sessionId", h.UpdateSession)
	writeGroup.POST("/:id/complete", h.Complete)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateAdmissionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.CreateAdmission(c.Request().Context(), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAdmission(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := AdmissionFilter{Unit: c.QueryParam("unit"), Status: AdmissionStatus(c.QueryParam("status"))}
	if d := c.QueryParam("date"); d != "" {
		day, err := time.Parse("2006-01-02", d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		f.Day = &day
	}
	items, total, err := h.svc.ListAdmissions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Admission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Stats(c echo.Context) error {
	var day time.Time
	if d := c.QueryParam("date"); d != "" {
		var err error
		if day, err = time.Parse("2006-01-02", d); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
	}
	stats, err := h.svc.Stats(c.Request().Context(), day)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Activity(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.RecentActivity(c.Request().Context(), limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Activity{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Arrive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.MarkArrived(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.CompleteAdmission(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) StartSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.StartSession(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, sessionID, err := sessionParams(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id, sessionID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) UpdateSession(c echo.Context) error {
	id, sessionID, err := sessionParams(c)
	if err != nil {
		return err
	}
	var in UpdateSessionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.UpdateSession(c.Request().Context(), id, sessionID, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) SessionChanges(c echo.Context) error {
	id, sessionID, err := sessionParams(c)
	if err != nil {
		return err
	}
	changes, err := h.svc.SessionChanges(c.Request().Context(), id, sessionID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, changes)
}

func sessionParams(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sessionID, err := uuid.Parse(c.Param("sessionId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	return id, sessionID, nil
}
