// Package cli implements the timetablectl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-timetable-api/internal/app"
	"github.com/noah-isme/sma-timetable-api/internal/dto"
	"github.com/noah-isme/sma-timetable-api/internal/models"
	"github.com/noah-isme/sma-timetable-api/internal/service"
	"github.com/noah-isme/sma-timetable-api/pkg/config"
	"github.com/noah-isme/sma-timetable-api/pkg/logger"
)

// Services is what the commands need from the wired application.
type Services interface {
	Reconcile(ctx context.Context, schoolID, versionName string) (*dto.CommitTimetableResult, error)
	CountLessonsForTeacher(ctx context.Context, schoolID, teacherID string) (*dto.TeacherImpactResponse, error)
	InspectJob(ctx context.Context, jobID string) (*dto.JobStatusResponse, error)
	IssueToken(schoolID string, role models.UserRole, email string) (string, time.Time, error)
}

// Loader builds Services and returns a release function.
type Loader func(ctx context.Context) (Services, func(), error)

var flagTimeout time.Duration

// NewRootCmd creates the root command. load is invoked lazily by each subcommand.
func NewRootCmd(load Loader) *cobra.Command {
	root := &cobra.Command{
		Use:          "timetablectl",
		Short:        "Operator tooling for the timetable service",
		Long:         "timetablectl reconciles committed timetables, previews teacher removals and inspects solver jobs.",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 2*time.Minute, "Overall command timeout")

	root.AddCommand(
		newReconcileCmd(load),
		newTeacherImpactCmd(load),
		newJobStatusCmd(load),
		newTokenCmd(load),
	)
	return root
}

// run loads services and executes fn under the command timeout.
func run(cmd *cobra.Command, load Loader, fn func(ctx context.Context, svc Services) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flagTimeout)
		defer cancel()
	}

	svc, release, err := load(ctx)
	if err != nil {
		return fmt.Errorf("initialise services: %w", err)
	}
	if release != nil {
		defer release()
	}

	result, err := fn(ctx, svc)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// LoadFromConfig wires the real application from the environment.
func LoadFromConfig(ctx context.Context) (Services, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	container, err := app.New(cfg, logr.Named("timetablectl"))
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		container.Close()
		_ = logr.Sync()
	}
	return containerServices{c: container}, release, nil
}

type containerServices struct {
	c *app.Container
}

func (s containerServices) Reconcile(ctx context.Context, schoolID, versionName string) (*dto.CommitTimetableResult, error) {
	return s.c.Timetables.Reconcile(ctx, schoolID, versionName)
}

func (s containerServices) CountLessonsForTeacher(ctx context.Context, schoolID, teacherID string) (*dto.TeacherImpactResponse, error) {
	return s.c.Teachers.CountLessonsForTeacher(ctx, schoolID, teacherID)
}

func (s containerServices) InspectJob(ctx context.Context, jobID string) (*dto.JobStatusResponse, error) {
	obs, err := s.c.Tracker.Inspect(ctx, jobID)
	if err != nil {
		s.c.Logger.Warn("job inspection failed", zap.String("job_id", jobID), zap.Error(err))
		return nil, err
	}
	summary := service.Summarize(obs)
	return &summary, nil
}

func (s containerServices) IssueToken(schoolID string, role models.UserRole, email string) (string, time.Time, error) {
	return s.c.Auth.IssueToken(schoolID, role, email)
}
