package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts one dashboard per role, each gated on that role.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	for _, r := range role.Priority {
		api.GET("/dashboard/"+string(r), h.GetDashboard(r), auth.RequireRole(string(r)))
	}
}

func (h *Handler) GetDashboard(r role.Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		rs := roleSetFromNames(auth.RolesFromContext(ctx))
		d := h.svc.Dashboard(ctx, r, rs, auth.UserIDFromContext(ctx), auth.EmailFromContext(ctx))
		return c.JSON(http.StatusOK, d)
	}
}

// roleSetFromNames rebuilds the role set from the context roles, whose first
// entry is the primary role.
func roleSetFromNames(names []string) role.RoleSet {
	rs := role.Empty()
	for _, n := range names {
		if r, err := role.Parse(n); err == nil {
			rs.Roles = append(rs.Roles, r)
		}
	}
	if len(rs.Roles) > 0 {
		rs.Primary = rs.Roles[0]
	}
	return rs
}
