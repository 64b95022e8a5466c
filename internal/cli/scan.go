package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/internal/navigation"
)

// ErrLimitReached is returned when a diagnosis needs an upgrade.
var ErrLimitReached = errors.New("free diagnosis used up, run upgrade or coupon")

func scanCommand(env *Env, mode models.Mode) *cobra.Command {
	var save bool
	use, short := "diagnose IMAGE", "Diagnose a plant problem from a photo"
	if mode == models.ModeIdentification {
		use, short = "identify IMAGE", "Identify a plant from a photo"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  "IMAGE is a file path, an http(s) URL or a base64 data URI.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if sc, _ := env.nav.SyncAuth(); sc.Root != navigation.RootMain {
				return errors.New("sign in first: plantdoc login EMAIL -p PASSWORD")
			}

			sc, err := env.nav.StartScan(mode)
			if err != nil {
				return err
			}
			if sc.Top() == navigation.ModalPaywall {
				return ErrLimitReached
			}

			img, err := capture.Load(ctx, env.HTTPClient, args[0])
			if err != nil {
				return err
			}
			if _, err := env.nav.Capture(img, navigation.SourceGallery); err != nil {
				return err
			}

			sc, err = env.nav.Analyze(ctx)
			if err != nil {
				if sc.Top() == navigation.ModalPaywall {
					return ErrLimitReached
				}
				return describe(err)
			}
			env.printf("%s\n", formatScan(*sc.Pending))

			if !save {
				env.printf("\nNot saved. Run again with --save to keep it.\n")
				return nil
			}
			_, res, err := env.nav.SavePending(ctx)
			if err != nil {
				return err
			}
			switch {
			case res.Duplicate:
				env.printf("\nAlready saved\n")
			case res.Synced:
				env.printf("\nSaved\n")
			default:
				env.printf("\nSaved on this device, will sync later\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Save the result to history")
	return cmd
}

func historyCommand(env *Env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			history := env.client.Snapshot().History
			if asJSON {
				enc := json.NewEncoder(env.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(history)
			}
			if len(history) == 0 {
				env.printf("No saved scans\n")
				return nil
			}
			for i, s := range history {
				sync := ""
				if s.PendingSync {
					sync = "  [not synced]"
				}
				env.printf("%3d  %-28s %-14s %s%s\n", i+1, s.Label(), s.Mode, s.Date.Format("2006-01-02 15:04"), sync)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

// scanAt resolves a 1-based position from history.
func (e *Env) scanAt(arg string) (models.Scan, error) {
	n, err := strconv.Atoi(arg)
	history := e.client.Snapshot().History
	if err != nil || n < 1 || n > len(history) {
		return models.Scan{}, fmt.Errorf("no scan %q, see history", arg)
	}
	return history[n-1], nil
}

func noteCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "note N TEXT...",
		Short: "Set the notes of scan N",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.scanAt(args[0])
			if err != nil {
				return err
			}
			updated, err := env.client.UpdateScanNotes(cmd.Context(), s.ID, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			env.printf("%s\n", formatScan(updated))
			return nil
		},
	}
}

func deleteCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete N",
		Short: "Delete scan N",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.scanAt(args[0])
			if err != nil {
				return err
			}
			if err := env.client.DeleteScan(cmd.Context(), s.ID); err != nil {
				return err
			}
			env.printf("Deleted %s\n", s.Label())
			return nil
		},
	}
}

func formatScan(s models.Scan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%.0f%%)", s.Label(), s.Confidence)
	if s.Mode == models.ModeIdentification {
		if s.ScientificName != "" {
			fmt.Fprintf(&b, "\nScientific name: %s", s.ScientificName)
		}
		if s.Family != "" {
			fmt.Fprintf(&b, "\nFamily: %s", s.Family)
		}
	}
	if s.Severity != "" {
		fmt.Fprintf(&b, "\nSeverity: %s", s.Severity)
	}
	for _, section := range []struct {
		title string
		items []string
	}{
		{"Symptoms", s.Symptoms},
		{"Causes", s.Causes},
		{"Treatment", s.Treatment},
	} {
		if len(section.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:", section.title)
		for _, it := range section.items {
			fmt.Fprintf(&b, "\n  - %s", it)
		}
	}
	if s.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s", s.Notes)
	}
	return b.String()
}
