package alert

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
	"github.com/prealert/prealert/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance, auth.RoleHospital))
	readGroup.GET("/alerts/:id", h.Get)
	readGroup.POST("/alerts/:id/complete", h.Complete)

	ambulanceGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance))
	ambulanceGroup.POST("/alerts", h.Create)
	ambulanceGroup.POST("/alerts/:id/hospital", h.ChangeHospital)
	ambulanceGroup.POST("/alerts/:id/unavailable", h.MarkUnavailable)
	ambulanceGroup.GET("/ambulances/:id/alerts", h.ListForAmbulance)

	hospitalGroup := api.Group("", auth.RequireRole(auth.RoleHospital))
	hospitalGroup.POST("/alerts/:id/status", h.UpdateStatus)
	hospitalGroup.GET("/hospitals/:id/alerts", h.ListForHospital)

	api.GET("/alerts", h.List, auth.RequireRole(auth.RoleAdmin))
}

// Create handles POST /alerts and returns the alert with the hospital it
// was sent to.
func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, hosp, err := h.svc.CreateAlert(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"alert":    a,
		"hospital": hosp,
	})
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	return listResponse(c, pg, items, total, err)
}

func (h *Handler) ListForHospital(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForHospital(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	return listResponse(c, pg, items, total, err)
}

func (h *Handler) ListForAmbulance(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForAmbulance(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	return listResponse(c, pg, items, total, err)
}

func listResponse(c echo.Context, pg pagination.Params, items []*Alert, total int, err error) error {
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status, req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CompleteCase(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ChangeHospital(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ChangeHospitalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.ChangeHospital(c.Request().Context(), id, req.HospitalID, req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) MarkUnavailable(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UnavailableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.MarkHospitalUnavailable(c.Request().Context(), id, req.HospitalID, req.Reason)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid alert id")
	}
	return id, nil
}
