// Package cli is the command-line front end. Each invocation restores the
// session, runs one action through the navigator and exits.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/models"
	"plant-doctor/internal/navigation"
	"plant-doctor/internal/session"
	"plant-doctor/pkg/logger"
)

// Client is the session API the commands use; *session.Session implements it.
type Client interface {
	navigation.Session
	Init(ctx context.Context) session.State
	Refresh(ctx context.Context) session.State
	Snapshot() session.State
	UpdateScanNotes(ctx context.Context, id models.ScanID, notes string) (models.Scan, error)
	DeleteScan(ctx context.Context, id models.ScanID) error
	DeleteAccount(ctx context.Context) error
	Stats(ctx context.Context) (models.ScanStats, bool)
}

// Opener opens the client and returns a func releasing its resources.
type Opener func(ctx context.Context) (Client, func() error, error)

// Env carries what the commands share between PersistentPreRunE and RunE.
type Env struct {
	Out        io.Writer
	Logger     *logger.Logger
	HTTPClient *http.Client
	Open       Opener

	client Client
	nav    *navigation.Navigator
	closer func() error
}

var errSignedIn = errors.New("already signed in, run logout first")

// RootCommand builds the plantdoc command tree.
func RootCommand(env *Env) *cobra.Command {
	if env.Logger == nil {
		env.Logger = logger.NewNop()
	}

	rootCmd := &cobra.Command{
		Use:           "plantdoc",
		Short:         "Diagnose and identify plants from photos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		statusCommand(env),
		loginCommand(env),
		registerCommand(env),
		logoutCommand(env),
		deleteAccountCommand(env),
		scanCommand(env, models.ModeDiagnosis),
		scanCommand(env, models.ModeIdentification),
		historyCommand(env),
		noteCommand(env),
		deleteCommand(env),
		upgradeCommand(env),
		couponCommand(env),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if env.Out == nil {
			env.Out = cmd.OutOrStdout()
		}
		return env.open(cmd.Context())
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return env.close()
	}

	return rootCmd
}

func (e *Env) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, closer, err := e.Open(ctx)
	if err != nil {
		return err
	}
	e.client = client
	e.closer = closer
	client.Init(ctx)

	e.nav = navigation.New(client, e.Logger, navigation.WithSplashDuration(0))
	_, err = e.nav.SplashComplete()
	return err
}

func (e *Env) close() error {
	if e.closer == nil {
		return nil
	}
	err := e.closer()
	e.closer = nil
	return err
}

func (e *Env) printf(format string, args ...any) {
	fmt.Fprintf(e.Out, format, args...)
}

// describe turns backend errors into their user-facing text.
func describe(err error) error {
	if _, ok := apierr.As(err); !ok {
		return err
	}
	title, message, retry := navigation.ErrorTitle(err)
	if retry {
		return fmt.Errorf("%s: %s (try again)", title, message)
	}
	return fmt.Errorf("%s: %s", title, message)
}

func statusCommand(env *Env) *cobra.Command {
	var refresh, stats bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account, plan and remaining free diagnoses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := env.client.Snapshot()
			if refresh {
				st = env.client.Refresh(cmd.Context())
			}
			if st.Authenticated {
				env.printf("Signed in as %s\n", nameOrEmail(st.Profile))
			} else {
				env.printf("Signed out\n")
			}
			if st.UserID != "" {
				env.printf("Device: %s\n", st.UserID)
			}
			if st.IsPro {
				env.printf("Plan: Pro (unlimited diagnoses)\n")
			} else {
				env.printf("Plan: Free (%d of %d diagnoses left)\n", st.Remaining(), st.ScansLimit)
			}
			env.printf("Saved scans: %d\n", len(st.History))
			if stats {
				s, remote := env.client.Stats(cmd.Context())
				where := "account"
				if !remote {
					where = "this device"
				}
				env.printf("Scans on %s: %d (%d diagnoses, %d identifications)\n", where, s.Total, s.Diagnoses, s.Identification)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Reconcile with the backend first")
	cmd.Flags().BoolVar(&stats, "stats", false, "Include scan totals")
	return cmd
}

func nameOrEmail(p models.Profile) string {
	switch {
	case p.Name != "" && p.Email != "":
		return fmt.Sprintf("%s <%s>", p.Name, p.Email)
	case p.Name != "":
		return p.Name
	default:
		return p.Email
	}
}
