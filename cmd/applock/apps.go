package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

var (
	appName      string
	allowFor     time.Duration
	lockNow      bool
	useEmergency bool
)

func addAppCommands(root *cobra.Command) {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List locked apps",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	lockCmd := &cobra.Command{
		Use:   "lock <package>",
		Short: "Lock an app",
		Long: `Adds an app to the locked set. With --now the lock goes through the
monitor's command queue, the same path used when a temporary unlock expires.`,
		Args: cobra.ExactArgs(1),
		RunE: runLock,
	}
	lockCmd.Flags().StringVar(&appName, "name", "", "Display name of the app")
	lockCmd.Flags().BoolVar(&lockNow, "now", false, "Queue the lock with the running monitor")

	unlockCmd := &cobra.Command{
		Use:   "unlock <package>",
		Short: "Remove an app from the locked set (asks for the password)",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnlock,
	}

	unlockAllCmd := &cobra.Command{
		Use:   "unlock-all",
		Short: "Unlock every app (asks for the password)",
		Args:  cobra.NoArgs,
		RunE:  runUnlockAll,
	}

	allowCmd := &cobra.Command{
		Use:   "allow <package>",
		Short: "Unlock an app for a while, then lock it again",
		Args:  cobra.ExactArgs(1),
		RunE:  runAllow,
	}
	allowCmd.Flags().DurationVar(&allowFor, "for", 15*time.Minute, "How long the app stays unlocked")
	allowCmd.Flags().StringVar(&appName, "name", "", "Display name of the app")

	endAllowCmd := &cobra.Command{
		Use:   "end-allow <package>",
		Short: "Lock a temporarily allowed app now",
		Args:  cobra.ExactArgs(1),
		RunE:  runEndAllow,
	}

	passwdCmd := &cobra.Command{
		Use:   "passwd",
		Short: "Set or change the lock password",
		Args:  cobra.NoArgs,
		RunE:  runPasswd,
	}

	emergencyPasswdCmd := &cobra.Command{
		Use:   "emergency-passwd",
		Short: "Set the emergency password",
		Long: `The emergency password suspends every lock for a fixed period
(24h by default). Setting it requires the lock password.`,
		Args: cobra.NoArgs,
		RunE: runEmergencyPasswd,
	}

	enterCmd := &cobra.Command{
		Use:   "enter",
		Short: "Enter the password on the lock screen currently shown",
		Args:  cobra.NoArgs,
		RunE:  runEnter,
	}
	enterCmd.Flags().BoolVar(&useEmergency, "emergency", false, "Enter the emergency password instead")

	relockCmd := &cobra.Command{
		Use:   "relock",
		Short: "End an emergency unlock early and restore the locks",
		Args:  cobra.NoArgs,
		RunE:  runRelock,
	}

	root.AddCommand(listCmd, lockCmd, unlockCmd, unlockAllCmd, allowCmd, endAllowCmd,
		passwdCmd, emergencyPasswdCmd, enterCmd, relockCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	apps, err := newClient(cfg).ListApps(cmd.Context())
	if err != nil {
		return explain(err)
	}

	fmt.Println("\n=== Locked Apps ===")
	if len(apps) == 0 {
		fmt.Println("\nNo apps are locked.")
	}
	for _, app := range apps {
		fmt.Printf("  %-30s %s\n", app.PackageName, app.AppName)
	}
	fmt.Println("===================")
	return nil
}

func runLock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newClient(cfg)
	pkg := args[0]

	if lockNow {
		err = client.SubmitLock(cmd.Context(), domain.LockCommand{PackageName: pkg, AppName: appName})
	} else {
		err = client.LockApp(cmd.Context(), pkg, appName)
	}
	if err != nil {
		return explain(err)
	}
	fmt.Printf("Locked %s\n", pkg)
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pw, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	if err := newClient(cfg).UnlockApp(cmd.Context(), args[0], pw); err != nil {
		return explain(err)
	}
	fmt.Printf("Unlocked %s\n", args[0])
	return nil
}

func runUnlockAll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pw, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	if err := newClient(cfg).UnlockAll(cmd.Context(), pw); err != nil {
		return explain(err)
	}
	fmt.Println("All apps unlocked")
	return nil
}

func runAllow(cmd *cobra.Command, args []string) error {
	if allowFor <= 0 {
		return fmt.Errorf("--for must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pw, err := readSecret("Password: ")
	if err != nil {
		return err
	}
	alarm, err := newClient(cfg).Allow(cmd.Context(), args[0], appName, allowFor, pw)
	if err != nil {
		return explain(err)
	}
	fmt.Printf("%s unlocked until %s\n", args[0], alarm.FireAt.Local().Format(time.Kitchen))
	return nil
}

func runEndAllow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newClient(cfg).EndAllow(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s has no temporary unlock", args[0])
		}
		return explain(err)
	}
	fmt.Printf("Locked %s\n", args[0])
	return nil
}

func runPasswd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	current, err := readSecret("Current password (empty if none): ")
	if err != nil {
		return err
	}
	next, err := readNewSecret("password")
	if err != nil {
		return err
	}
	if err := newClient(cfg).SetPassword(cmd.Context(), current, next); err != nil {
		return explain(err)
	}
	fmt.Println("Password updated")
	return nil
}

func runEmergencyPasswd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	current, err := readSecret("Lock password: ")
	if err != nil {
		return err
	}
	next, err := readNewSecret("emergency password")
	if err != nil {
		return err
	}
	if err := newClient(cfg).SetEmergencyPassword(cmd.Context(), current, next); err != nil {
		return explain(err)
	}
	fmt.Println("Emergency password updated")
	return nil
}

func runEnter(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode := domain.UnlockNormal
	label := "Password: "
	if useEmergency {
		mode = domain.UnlockEmergency
		label = "Emergency password: "
	}
	secret, err := readSecret(label)
	if err != nil {
		return err
	}

	ok, err := newClient(cfg).Submit(cmd.Context(), secret, mode)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("no lock screen is showing")
		}
		return explain(err)
	}
	if !ok {
		return fmt.Errorf("incorrect password")
	}
	if mode == domain.UnlockEmergency {
		fmt.Println("Emergency unlock active: all locks suspended")
	} else {
		fmt.Println("Unlocked")
	}
	return nil
}

func runRelock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := newClient(cfg).Relock(cmd.Context()); err != nil {
		return explain(err)
	}
	fmt.Println("Locks restored")
	return nil
}
