package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 0)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid ID %q", arg)
	}
	return uint(id), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Tear down expired instances and orphaned deployment directories once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := app.Sweep.RunSweep(cmd.Context())
		if result != nil {
			if perr := printJSON(cmd, result); perr != nil {
				return perr
			}
		}
		return err
	},
}

var teardownCmd = &cobra.Command{
	Use:   "teardown <instanceID>",
	Short: "Destroy an instance regardless of who joined it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := app.Lifecycle.Teardown(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "instance %d destroyed\n", id)
		return nil
	},
}

var cooldownCmd = &cobra.Command{
	Use:   "cooldown <userID>",
	Short: "Show until when a user is blocked from requesting instances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		until, err := app.Gate.GetCooldownExpiry(cmd.Context(), id)
		if err != nil {
			return err
		}
		if until == nil || !until.After(time.Now()) {
			fmt.Fprintf(cmd.OutOrStdout(), "user %d is not restricted\n", id)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d is restricted until %s\n", id, until.Format(time.RFC3339))
		return nil
	},
}

var (
	freeze   bool
	cooldown bool
	timespan int
	limit    int
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the runtime settings",
	Long:  "Without flags the current settings are printed. Flags that are given overwrite the stored value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := app.Settings.GetSettings(ctx)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		changed := false
		if flags.Changed("freeze") {
			s.FreezeCtf = freeze
			changed = true
		}
		if flags.Changed("cooldown") {
			s.EnableSpawningCooldown = cooldown
			changed = true
		}
		if flags.Changed("timespan") {
			s.CooldownTimespan = timespan
			changed = true
		}
		if flags.Changed("limit") {
			s.CooldownLimit = limit
			changed = true
		}
		if s.CooldownTimespan < 0 || s.CooldownLimit < 0 {
			return fmt.Errorf("timespan and limit cannot be negative")
		}

		if changed {
			if err := app.Settings.SaveSettings(ctx, s); err != nil {
				return err
			}
		}
		return printJSON(cmd, s)
	},
}

func init() {
	flags := settingsCmd.Flags()
	flags.BoolVar(&freeze, "freeze", false, "block every new instance")
	flags.BoolVar(&cooldown, "cooldown", false, "enable the spawning cooldown")
	flags.IntVar(&timespan, "timespan", 0, "cooldown window in minutes")
	flags.IntVar(&limit, "limit", 0, "requests allowed per cooldown window")
}
