package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/baas"
	"github.com/ehr/portal/internal/platform/lockout"
)

type Handler struct {
	store  *Store
	logger zerolog.Logger
}

// NewHandler returns the HTTP surface for store.
func NewHandler(store *Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger.With().Str("component", "session-handler").Logger()}
}

// RegisterRoutes mounts the auth routes on api. mw guards the credential
// routes (login and signup).
func (h *Handler) RegisterRoutes(api *echo.Group, events echo.HandlerFunc, mw ...echo.MiddlewareFunc) {
	g := api.Group("/auth")
	g.POST("/:portal/login", h.Login, mw...)
	g.POST("/:portal/signup", h.SignUp, mw...)
	g.POST("/signout", h.SignOut)
	g.GET("/state", h.GetState)
	if events != nil {
		g.GET("/events", events)
	}
}

// Identity puts the current session's user and roles, primary role first,
// on the request context for auth.RequireRole.
func (h *Handler) Identity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			st := h.store.Snapshot()
			if st.Authenticated() {
				u := st.User()
				ctx := auth.WithIdentity(c.Request().Context(), u.ID, u.Email, orderedRoles(st.Roles))
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email     string         `json:"email"`
	Password  string         `json:"password"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Phone     string         `json:"phone"`
	Metadata  map[string]any `json:"metadata"`
}

type sessionResponse struct {
	User      baas.User    `json:"user"`
	ExpiresAt int64        `json:"expires_at,omitempty"`
	Roles     role.RoleSet `json:"roles"`
}

// stateResponse never carries tokens.
type stateResponse struct {
	Status       Status       `json:"status"`
	Loading      bool         `json:"loading"`
	User         *baas.User   `json:"user,omitempty"`
	ExpiresAt    int64        `json:"expires_at,omitempty"`
	Roles        role.RoleSet `json:"roles"`
	RolesLoading bool         `json:"roles_loading"`
	RolePending  bool         `json:"role_pending"`
	SigningOut   bool         `json:"signing_out"`
}

func (h *Handler) Login(c echo.Context) error {
	r, err := portalRole(c)
	if err != nil {
		return err
	}

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	sess, rs, err := h.store.SignInToPortal(c.Request().Context(), r, strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		return h.signInError(err)
	}
	return c.JSON(http.StatusOK, sessionResponse{User: sess.User, ExpiresAt: sess.ExpiresAt, Roles: rs})
}

func (h *Handler) signInError(err error) error {
	var be *baas.Error
	switch {
	case errors.Is(err, lockout.ErrLocked):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.As(err, &be) && be.Status < 500 && be.Message != "":
		return echo.NewHTTPError(http.StatusUnauthorized, be.Message)
	}
	h.logger.Error().Err(err).Msg("sign-in failed")
	return echo.NewHTTPError(http.StatusBadGateway, "sign-in is unavailable, please try again")
}

func (h *Handler) SignUp(c echo.Context) error {
	r, err := portalRole(c)
	if err != nil {
		return err
	}

	var req signUpRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	u, err := h.store.SignUp(c.Request().Context(), SignUpRequest{
		Email:     req.Email,
		Password:  req.Password,
		Role:      r,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Metadata:  req.Metadata,
	})
	switch {
	case errors.Is(err, ErrEmailRegistered):
		return echo.NewHTTPError(http.StatusConflict, ErrEmailRegistered.Error())
	case errors.Is(err, ErrSignUpFailed):
		return echo.NewHTTPError(http.StatusBadRequest, ErrSignUpFailed.Error())
	case err != nil:
		h.logger.Error().Err(err).Msg("sign-up failed")
		return echo.NewHTTPError(http.StatusInternalServerError, ErrSignUpFailed.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{"user": u})
}

func (h *Handler) SignOut(c echo.Context) error {
	_ = h.store.SignOut(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetState(c echo.Context) error {
	st := h.store.Snapshot()
	resp := stateResponse{
		Status:       st.Status,
		Loading:      st.Loading(),
		User:         st.User(),
		Roles:        st.Roles,
		RolesLoading: st.RolesLoading,
		RolePending:  st.RolePending(),
		SigningOut:   st.SigningOut,
	}
	if st.Session != nil {
		resp.ExpiresAt = st.Session.ExpiresAt
	}
	return c.JSON(http.StatusOK, resp)
}

func portalRole(c echo.Context) (role.Role, error) {
	r, err := role.Parse(c.Param("portal"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusNotFound, "unknown portal")
	}
	return r, nil
}

// orderedRoles lists the primary role first, then the rest in set order.
func orderedRoles(rs role.RoleSet) []string {
	out := make([]string, 0, len(rs.Roles))
	if rs.Primary != "" {
		out = append(out, string(rs.Primary))
	}
	for _, r := range rs.Roles {
		if r != rs.Primary {
			out = append(out, string(r))
		}
	}
	return out
}
