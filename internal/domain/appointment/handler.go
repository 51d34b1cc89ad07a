package appointment

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/backoffice/internal/platform/auth"
	"github.com/clinic/backoffice/pkg/pagination"
)

type Handler struct {
	svc *Service
	loc *time.Location
}

func NewHandler(svc *Service, loc *time.Location) *Handler {
	return &Handler{svc: svc, loc: loc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – patients see their own rows, staff their assigned ones
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar", "patient"))
	readGroup.GET("/appointments", h.List)
	readGroup.GET("/appointments/:code", h.Get)

	// Availability and booking – staff only
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	writeGroup.GET("/availability", h.Availability)
	writeGroup.GET("/availability/earliest", h.EarliestDate)
	writeGroup.POST("/appointments", h.Create)
	writeGroup.PATCH("/appointments/:code/status", h.UpdateStatus)
	writeGroup.PATCH("/appointments/:code/delay", h.Delay)
	writeGroup.POST("/appointments/:code/reschedule", h.Reschedule)
}

func (h *Handler) Availability(c echo.Context) error {
	date, err := time.ParseInLocation("2006-01-02", c.QueryParam("date"), h.loc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}
	doctorCode := c.QueryParam("doctor")
	if doctorCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor is required")
	}
	serviceCodes := splitCSV(c.QueryParam("services"))
	participantCodes := splitCSV(c.QueryParam("participants"))

	slots, err := h.svc.FindAvailableTimes(c.Request().Context(), date, doctorCode, serviceCodes, participantCodes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"date":  date.Format("2006-01-02"),
		"slots": slots,
	})
}

func (h *Handler) EarliestDate(c echo.Context) error {
	patientCode := c.QueryParam("patient")
	serviceCode := c.QueryParam("service")
	if patientCode == "" || serviceCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient and service are required")
	}
	earliest, err := h.svc.EarliestBookableDate(c.Request().Context(), patientCode, serviceCode)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient_code":  patientCode,
		"service_code":  serviceCode,
		"earliest_date": earliest.Format("2006-01-02"),
	})
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	detail, err := h.svc.Create(c.Request().Context(), p, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, detail)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	p := auth.PrincipalFromContext(c.Request().Context())

	q := ListQuery{
		Preset:      c.QueryParam("preset"),
		Statuses:    splitCSV(c.QueryParam("status")),
		PatientCode: c.QueryParam("patient"),
		DoctorCode:  c.QueryParam("doctor"),
		RoomCode:    c.QueryParam("room"),
		ServiceCode: c.QueryParam("service"),
		Search:      c.QueryParam("q"),
		SortBy:      c.QueryParam("sort"),
		SortDesc:    c.QueryParam("order") == "desc",
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	if raw := c.QueryParam("from"); raw != "" {
		t, err := time.ParseInLocation("2006-01-02", raw, h.loc)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
		}
		q.From = &t
	}
	if raw := c.QueryParam("to"); raw != "" {
		t, err := time.ParseInLocation("2006-01-02", raw, h.loc)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
		end := t.AddDate(0, 0, 1)
		q.To = &end
	}

	items, total, err := h.svc.List(c.Request().Context(), p, q)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	p := auth.PrincipalFromContext(c.Request().Context())
	detail, err := h.svc.GetDetail(c.Request().Context(), p, c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

type statusRequest struct {
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	detail, err := h.svc.UpdateStatus(c.Request().Context(), p, c.Param("code"), req.Status, req.ReasonCode, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

type delayRequest struct {
	NewStartTime time.Time `json:"new_start_time"`
	ReasonCode   string    `json:"reason_code,omitempty"`
	Notes        string    `json:"notes,omitempty"`
}

func (h *Handler) Delay(c echo.Context) error {
	var req delayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.NewStartTime.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "new_start_time is required")
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	detail, err := h.svc.Delay(c.Request().Context(), p, c.Param("code"), req.NewStartTime, req.ReasonCode, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) Reschedule(c echo.Context) error {
	var req RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := auth.PrincipalFromContext(c.Request().Context())
	result, err := h.svc.Reschedule(c.Request().Context(), p, c.Param("code"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, result)
}

// httpError maps domain errors onto transport codes. Conflicts and lock
// timeouts both map to 409; lock timeouts additionally carry retryable:true
// so clients know a retry may succeed without changing the request.
func httpError(err error) error {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error":         conflict.Error(),
			"resource":      string(conflict.Resource),
			"resource_code": conflict.ResourceCode,
			"existing_code": conflict.ExistingCode,
			"start_time":    conflict.Start,
			"end_time":      conflict.End,
		})
	}
	var spacing *SpacingViolation
	if errors.As(err, &spacing) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"error":         spacing.Error(),
			"rule":          spacing.Rule,
			"service_code":  spacing.ServiceCode,
			"earliest_date": spacing.EarliestDate.Format("2006-01-02"),
		})
	}

	switch {
	case errors.Is(err, ErrLockTimeout):
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"retryable": true,
		})
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInactiveResource), errors.Is(err, ErrStateTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
