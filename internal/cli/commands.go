package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-timetable-api/internal/models"
)

func newReconcileCmd(load Loader) *cobra.Command {
	var schoolID, version string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite the slots of a version from its stored solver result",
		Long: `reconcile replays the solver result saved with a timetable version and
rewrites its slot set. Use it after a partial commit left a version without slots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, svc Services) (any, error) {
				return svc.Reconcile(ctx, schoolID, version)
			})
		},
	}
	cmd.Flags().StringVar(&schoolID, "school", "", "School ID")
	cmd.Flags().StringVar(&version, "version", "", "Timetable version name")
	_ = cmd.MarkFlagRequired("school")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newTeacherImpactCmd(load Loader) *cobra.Command {
	var schoolID, teacherID string
	cmd := &cobra.Command{
		Use:   "teacher-impact",
		Short: "Count lessons that reference a teacher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, svc Services) (any, error) {
				return svc.CountLessonsForTeacher(ctx, schoolID, teacherID)
			})
		},
	}
	cmd.Flags().StringVar(&schoolID, "school", "", "School ID")
	cmd.Flags().StringVar(&teacherID, "teacher", "", "Teacher ID")
	_ = cmd.MarkFlagRequired("school")
	_ = cmd.MarkFlagRequired("teacher")
	return cmd
}

func newJobStatusCmd(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "job-status <jobId>",
		Short: "Poll the solver once for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, svc Services) (any, error) {
				return svc.InspectJob(ctx, strings.TrimSpace(args[0]))
			})
		},
	}
}

type tokenOutput struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newTokenCmd(load Loader) *cobra.Command {
	var schoolID, role, email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a school operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := models.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			return run(cmd, load, func(ctx context.Context, svc Services) (any, error) {
				token, expiresAt, err := svc.IssueToken(schoolID, parsed, email)
				if err != nil {
					return nil, fmt.Errorf("issue token: %w", err)
				}
				return tokenOutput{Token: token, ExpiresAt: expiresAt}, nil
			})
		},
	}
	cmd.Flags().StringVar(&schoolID, "school", "", "School ID")
	cmd.Flags().StringVar(&role, "role", string(models.RoleAdmin), "Role (ADMIN, SUPERADMIN, TEACHER)")
	cmd.Flags().StringVar(&email, "email", "", "Operator email recorded in the token")
	_ = cmd.MarkFlagRequired("school")
	return cmd
}
