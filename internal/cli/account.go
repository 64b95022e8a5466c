package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"plant-doctor/internal/models"
	"plant-doctor/internal/navigation"
)

func (e *Env) requireSignedOut() error {
	if e.client.IsAuthenticated() {
		return errSignedIn
	}
	e.nav.SyncAuth()
	return nil
}

func loginCommand(env *Env) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login EMAIL",
		Short: "Sign in to your account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.requireSignedOut(); err != nil {
				return err
			}
			if _, err := env.nav.ShowAuth(navigation.AuthSignIn); err != nil {
				return err
			}
			if _, err := env.nav.SignIn(cmd.Context(), models.Credentials{Email: args[0], Password: password}); err != nil {
				return describe(err)
			}
			st := env.client.Snapshot()
			env.printf("Signed in as %s\n", nameOrEmail(st.Profile))
			if st.IsPro {
				env.printf("Plan: Pro\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func registerCommand(env *Env) *cobra.Command {
	var (
		password   string
		name       string
		country    string
		userType   string
		plantTypes []string
	)
	cmd := &cobra.Command{
		Use:   "register EMAIL",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.requireSignedOut(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := env.nav.ShowAuth(navigation.AuthRegister); err != nil {
				return err
			}
			req := models.RegisterRequest{Email: args[0], Password: password, Name: name, Country: country}
			if _, err := env.nav.Register(ctx, req); err != nil {
				return describe(err)
			}

			// onboarding is optional; without answers it is skipped
			if userType != "" && len(plantTypes) > 0 {
				_, err := env.nav.CompleteOnboarding(ctx, models.UserType(userType), plantTypes)
				if err != nil {
					return err
				}
			} else if _, err := env.nav.SkipOnboarding(ctx); err != nil {
				return err
			}
			env.printf("Account created for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (at least 6 characters)")
	cmd.Flags().StringVar(&name, "name", "", "Your name")
	cmd.Flags().StringVar(&country, "country", "", "Country")
	cmd.Flags().StringVar(&userType, "user-type", "", "Home gardener, Nursery, Farmer or Other")
	cmd.Flags().StringSliceVar(&plantTypes, "plants", nil, "Plants you grow, comma separated")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func logoutCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the account's history on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := env.nav.Logout(cmd.Context()); err != nil {
				env.Logger.Warnw("Logout incomplete", "error", err)
			}
			env.printf("Signed out\n")
			return nil
		},
	}
}

func deleteAccountCommand(env *Env) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-account",
		Short: "Permanently delete your account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete the account without --yes")
			}
			if err := env.client.DeleteAccount(cmd.Context()); err != nil {
				return describe(err)
			}
			_, _ = env.nav.Logout(cmd.Context())
			env.printf("Account deleted\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func upgradeCommand(env *Env) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade to Pro for unlimited diagnoses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := models.Plan(strings.ToLower(plan))
			switch p {
			case models.PlanMonthly, models.PlanYearly, models.PlanPro:
			default:
				return errors.New("plan must be monthly, yearly or pro")
			}
			return env.purchase(func() (models.Outcome, error) {
				_, out, err := env.nav.Upgrade(cmd.Context(), p)
				return out, err
			})
		},
	}
	cmd.Flags().StringVar(&plan, "plan", string(models.PlanMonthly), "monthly, yearly or pro")
	return cmd
}

func couponCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "coupon CODE",
		Short: "Redeem a coupon code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.purchase(func() (models.Outcome, error) {
				_, out, err := env.nav.RedeemCoupon(cmd.Context(), args[0])
				return out, err
			})
		},
	}
}

// purchase opens the paywall and runs fn from it.
func (e *Env) purchase(fn func() (models.Outcome, error)) error {
	if _, err := e.nav.ShowPaywall(); err != nil {
		return errors.New("sign in first")
	}
	out, err := fn()
	if err != nil {
		return describe(err)
	}
	switch {
	case out.Success && out.AlreadyPremium:
		e.printf("Your account is already Pro\n")
	case out.Success:
		e.printf("Welcome to Pro! Diagnoses are now unlimited\n")
	default:
		msg := out.Message
		if msg == "" {
			msg = "request was not accepted"
		}
		return errors.New(msg)
	}
	return nil
}
