package vitals

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
)

type Handler struct {
	relay *Relay
}

func NewHandler(relay *Relay) *Handler {
	return &Handler{relay: relay}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	api.GET("/ambulances/:id/vitals", h.Get, auth.RequireRole(auth.RoleAmbulance, auth.RoleHospital))
	api.PUT("/ambulances/:id/vitals", h.Put, auth.RequireRole(auth.RoleAmbulance))
}

func (h *Handler) Get(c echo.Context) error {
	v, err := h.relay.Current(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Put(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.relay.Publish(c.Request().Context(), LiveVitals{
		AmbulanceID: c.Param("id"),
		SpO2:        req.SpO2,
		HeartRate:   req.HeartRate,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}
