package ambulance

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/prealert/prealert/internal/domain/geo"
	"github.com/prealert/prealert/internal/platform/apperr"
	"github.com/prealert/prealert/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance, auth.RoleHospital))
	readGroup.GET("/ambulances/:id", h.Get)
	readGroup.GET("/route", h.Route)

	api.POST("/ambulances/:id/location", h.UpdateLocation, auth.RequireRole(auth.RoleAmbulance))
}

func (h *Handler) Get(c echo.Context) error {
	a, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateLocation(c echo.Context) error {
	var req LocationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.UpdateLocation(c.Request().Context(), c.Param("id"), req.Location)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// Route handles GET /route?from_lat&from_lng&to_lat&to_lng.
func (h *Handler) Route(c echo.Context) error {
	var vals [4]float64
	for i, name := range []string{"from_lat", "from_lng", "to_lat", "to_lng"} {
		v, err := strconv.ParseFloat(c.QueryParam(name), 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
		}
		vals[i] = v
	}
	route, err := h.svc.Route(c.Request().Context(),
		geo.Coordinates{Lat: vals[0], Lng: vals[1]},
		geo.Coordinates{Lat: vals[2], Lng: vals[3]})
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"route":       route,
		"distance_km": route.DistanceKm(),
		"eta_minutes": route.ETAMinutes(),
	})
}
