package hospital

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/prealert/prealert/internal/domain/geo"
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
	// Read endpoints – every signed-in role
	readGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance, auth.RoleHospital))
	readGroup.GET("/hospitals", h.List)
	readGroup.GET("/hospitals/rank", h.Rank)
	readGroup.GET("/hospitals/:id", h.Get)
	readGroup.POST("/hospitals/recommend", h.Recommend)

	// Linked hospital users may edit their own record; the service checks it.
	api.PUT("/hospitals/:id", h.Update, auth.RequireRole(auth.RoleHospital))

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/hospitals", h.Create)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, hosp)
}

func (h *Handler) Get(c echo.Context) error {
	hosp, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Hospital{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp, err := h.svc.Update(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

// Rank handles GET /hospitals/rank?lat&lng&q&radius_km&equipment&alert_id&available.
func (h *Handler) Rank(c echo.Context) error {
	origin, err := parseOrigin(c)
	if err != nil {
		return err
	}
	opts := RankOptions{Search: c.QueryParam("q")}
	if v := c.QueryParam("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid radius_km")
		}
		opts.RadiusKm = r
	}
	if v := c.QueryParam("equipment"); v != "" {
		opts.RequiredEquipment = strings.Split(v, ",")
	}
	if v := c.QueryParam("alert_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid alert_id")
		}
		opts.AlertID = &id
	}
	if v := c.QueryParam("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid available")
		}
		opts.OnlyAvailable = b
	}

	ranked, err := h.svc.Rank(c.Request().Context(), origin, opts)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  ranked,
		"total": len(ranked),
	})
}

func (h *Handler) Recommend(c echo.Context) error {
	var req RecommendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Recommend(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func parseOrigin(c echo.Context) (geo.Coordinates, error) {
	lat, err := strconv.ParseFloat(c.QueryParam("lat"), 64)
	if err != nil {
		return geo.Coordinates{}, echo.NewHTTPError(http.StatusBadRequest, "invalid lat")
	}
	lng, err := strconv.ParseFloat(c.QueryParam("lng"), 64)
	if err != nil {
		return geo.Coordinates{}, echo.NewHTTPError(http.StatusBadRequest, "invalid lng")
	}
	return geo.Coordinates{Lat: lat, Lng: lng}, nil
}
