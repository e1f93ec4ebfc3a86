package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/domain/session"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/migrations"
)

const rolesWaitTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portal",
		Short:        "Multi-role patient, provider and admin portal auth core",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), signInCmd(), signUpCmd(), signOutCmd(), whoamiCmd(), rolesCmd(), migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the local auth API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func signInCmd() *cobra.Command {
	var email, password, portal string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in and persist the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			password = passwordOrEnv(password)
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if portal != "" {
					r, err := role.Parse(portal)
					if err != nil {
						return err
					}
					sess, rs, err := a.store.SignInToPortal(ctx, r, email, password)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), whoami{UserID: sess.User.ID, Email: sess.User.Email, Roles: rs})
				}
				sess, err := a.store.SignIn(ctx, email, password)
				if err != nil {
					return err
				}
				return printState(ctx, cmd.OutOrStdout(), a.store, signedInAs(sess.User.ID))
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (defaults to $PORTAL_PASSWORD)")
	cmd.Flags().StringVar(&portal, "portal", "", "require a role: patient, provider or admin")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func signUpCmd() *cobra.Command {
	var req session.SignUpRequest
	var roleName string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account with a role profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := role.Parse(roleName)
			if err != nil {
				return err
			}
			req.Role = r
			req.Password = passwordOrEnv(req.Password)
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				u, err := a.store.SignUp(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s account %s (%s)\n", r, u.ID, u.Email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password (defaults to $PORTAL_PASSWORD)")
	cmd.Flags().StringVar(&roleName, "role", string(role.Patient), "patient, provider or admin")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and clear the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				_ = a.store.SignOut(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "signed out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the persisted session and its roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return printState(ctx, cmd.OutOrStdout(), a.store, settled)
			})
		},
	}
}

func rolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles <user-id>",
		Short: "Resolve the roles of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				rs, err := a.resolver.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rs)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the portal schema to DATABASE_URL",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

type whoami struct {
	Status      session.Status `json:"status"`
	UserID      string         `json:"user_id,omitempty"`
	Email       string         `json:"email,omitempty"`
	Roles       role.RoleSet   `json:"roles"`
	RolePending bool           `json:"role_pending,omitempty"`
}

// settled holds once startup and any role resolution have finished.
func settled(st session.State) bool {
	return !st.Loading() && !st.RolesLoading
}

// signedInAs holds once the SIGNED_IN event for userID has been applied and
// its roles resolved. SignIn returns before that event lands.
func signedInAs(userID string) func(session.State) bool {
	return func(st session.State) bool {
		return st.Authenticated() && st.UserID() == userID && !st.RolesLoading
	}
}

// printState waits until ready holds, then prints the state.
func printState(ctx context.Context, w io.Writer, s *session.Store, ready func(session.State) bool) error {
	wctx, cancel := context.WithTimeout(ctx, rolesWaitTimeout)
	defer cancel()
	st, err := s.WaitFor(wctx, ready)
	if err != nil {
		return fmt.Errorf("waiting for roles: %w", err)
	}

	out := whoami{Status: st.Status, Roles: st.Roles, RolePending: st.RolePending()}
	if u := st.User(); u != nil {
		out.UserID, out.Email = u.ID, u.Email
	}
	return printJSON(w, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func passwordOrEnv(p string) string {
	if p != "" {
		return p
	}
	return os.Getenv("PORTAL_PASSWORD")
}
