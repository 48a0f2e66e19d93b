package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fitgen/internal/app"
	"fitgen/internal/config"
	"fitgen/internal/content"
	"fitgen/internal/database"
	"fitgen/pkg/logger"
)

func main() {
	// Interrupts cancel the running request; reservations are still settled.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and builds the pipeline. The caller must defer a.Close().
// When generation is true a generation-service key is required.
func newApp(ctx context.Context, generation bool) (*app.App, error) {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if generation {
		if err := cfg.RequireGenerator(); err != nil {
			return nil, err
		}
	}

	a, err := app.New(ctx, cfg, logger.New(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// userFacing prints the end-user message for err next to the raw error.
func userFacing(err error) error {
	fmt.Fprintln(os.Stderr, app.UserMessage(err))
	return err
}

var rootCmd = &cobra.Command{
	Use:          "fitgen",
	Short:        "Credit-gated meal and snack generation",
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewFromEnv()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		db, err := database.NewDB(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Printf("Database ready at %s\n", cfg.DatabasePath)
		return nil
	},
}

// credits command
var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage generation credits",
}

var creditsOpenCmd = &cobra.Command{
	Use:   "open <user-id>",
	Short: "Open an account with the starting allotment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unlimited, _ := cmd.Flags().GetBool("unlimited")

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.OpenAccount(cmd.Context(), args[0], unlimited)
		if err != nil {
			return err
		}
		if !created {
			fmt.Printf("Account %s already exists.\n", args[0])
			return nil
		}
		fmt.Printf("Opened account %s.\n", args[0])
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <user-id> <n>",
	Short: "Add credits to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid credit amount %q", args[1])
		}

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.GrantCredits(cmd.Context(), args[0], n); err != nil {
			return err
		}
		fmt.Printf("Granted %d credits to %s.\n", n, args[0])
		return nil
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show remaining credits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		acc, err := a.Credits(cmd.Context(), args[0])
		if err != nil {
			return userFacing(err)
		}
		if acc.Unlimited {
			fmt.Printf("%s: unlimited\n", acc.UserID)
			return nil
		}
		fmt.Printf("%s: %d remaining\n", acc.UserID, acc.Remaining)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail and refund reservations left pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.SweepStalePending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Refunded %d stale reservations.\n", n)
		return nil
	},
}

// generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run the generation pipeline",
}

var generateItemCmd = &cobra.Command{
	Use:   "item <user-id> <breakfast|lunch|dinner|snack>",
	Short: "Find or generate items near a calorie target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := content.ParseType(args[1])
		if err != nil {
			return err
		}
		return runGenerateItem(cmd, args[0], t)
	},
}

var generateSnackCmd = &cobra.Command{
	Use:   "snack <user-id>",
	Short: "Find or generate snacks near a calorie target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerateItem(cmd, args[0], content.Snack)
	},
}

func runGenerateItem(cmd *cobra.Command, userID string, t content.Type) error {
	kcal, _ := cmd.Flags().GetFloat64("kcal")
	tolerance, _ := cmd.Flags().GetFloat64("tolerance")
	day, _ := cmd.Flags().GetInt("day")

	a, err := newApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.GenerateItem(cmd.Context(), app.ItemRequest{
		UserID:         userID,
		Type:           t,
		TargetCalories: kcal,
		Tolerance:      tolerance,
		DayNumber:      day,
	})
	if err != nil {
		return userFacing(err)
	}

	fmt.Printf("%d items (%d from store, %d generated)\n", len(res.Items), res.StoreMatches, res.Generated)
	for _, it := range res.Items {
		fmt.Printf("- %-40s %6.0f kcal  [%s]\n", it.Name, it.Macros.Calories, it.Provenance)
	}
	return nil
}

var generatePlanCmd = &cobra.Command{
	Use:   "plan <user-id>",
	Short: "Generate and store a weekly plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kcal, _ := cmd.Flags().GetFloat64("kcal")
		weekFlag, _ := cmd.Flags().GetString("week")

		week := time.Now()
		if weekFlag != "" {
			parsed, err := time.Parse("2006-01-02", weekFlag)
			if err != nil {
				return fmt.Errorf("invalid --week %q, want YYYY-MM-DD", weekFlag)
			}
			week = parsed
		}

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.GenerateWeeklyPlan(cmd.Context(), app.PlanRequest{
			UserID:        args[0],
			WeekStart:     week,
			DailyCalories: kcal,
		})
		if err != nil {
			return userFacing(err)
		}

		fmt.Printf("Plan %s: %d items saved, %d failed, %d empty slots\n",
			res.PlanID, res.SavedCount, res.FailedCount, res.EmptySlots)
		for _, it := range res.Draft.Items {
			fmt.Printf("day %d %-9s %s\n", it.DayNumber, it.Type, it.Name)
		}
		return nil
	},
}

var exchangeCmd = &cobra.Command{
	Use:   "exchange <user-id> <plan-id> <item-id>",
	Short: "Swap one item of a stored plan",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		it, err := a.ExchangeItem(cmd.Context(), app.ExchangeRequest{
			UserID: args[0],
			PlanID: args[1],
			ItemID: args[2],
		})
		if err != nil {
			return userFacing(err)
		}
		fmt.Printf("Replaced with %s (%.0f kcal)\n", it.Name, it.Macros.Calories)
		return nil
	},
}

// metrics command
var analyzeCmd = &cobra.Command{
	Use:   "analyze <user-id> <photo>",
	Short: "Estimate the nutrition of a meal photo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		image, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading photo: %w", err)
		}

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		it, err := a.AnalyzeMeal(cmd.Context(), app.AnalyzeRequest{UserID: args[0], Image: image, Note: note})
		if err != nil {
			return userFacing(err)
		}
		fmt.Printf("%s: %.0f kcal, %.0fg protein, %.0fg carbs, %.0fg fat\n",
			it.Name, it.Macros.Calories, it.Macros.Protein, it.Macros.Carbs, it.Macros.Fat)
		for _, ing := range it.Ingredients {
			fmt.Printf("- %s\n", ing)
		}
		return nil
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Inspect generation usage",
}

var metricsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old metric records",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		affected, err := a.CleanupMetrics(cmd.Context(), days)
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Printf("Successfully removed %d old metric records.\n", affected)
		return nil
	},
}

var metricsUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage per day",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		usage, err := a.Usage(cmd.Context(), days)
		if err != nil {
			return err
		}
		if len(usage) == 0 {
			fmt.Println("No usage recorded.")
			return nil
		}
		for _, u := range usage {
			fmt.Printf("%s %6d calls %10d prompt %10d completion\n", u.Date, u.TotalExecution, u.TotalPrompt, u.TotalCompletion)
		}
		return nil
	},
}

var metricsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show process and database health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		h := a.Health()
		fmt.Printf("Memory:     %d MB alloc, %d MB sys, %d GCs\n", h.AllocMB, h.SysMB, h.NumGC)
		fmt.Printf("Goroutines: %d\n", h.Goroutines)
		fmt.Printf("Data dir:   %s\n", h.DataDiskSize)
		fmt.Printf("DB conns:   %d open, %d in use, %d waits (%s)\n", h.OpenConns, h.InUseConns, h.WaitCount, h.WaitDuration)
		return nil
	},
}

func init() {
	// credits subcommands
	creditsCmd.AddCommand(creditsOpenCmd)
	creditsOpenCmd.Flags().Bool("unlimited", false, "Never decrement this account")
	creditsCmd.AddCommand(creditsGrantCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)

	// generate subcommands
	generateCmd.AddCommand(generateItemCmd)
	generateItemCmd.Flags().Float64("kcal", 200, "Target calories")
	generateItemCmd.Flags().Float64("tolerance", 0, "Calorie window around the target, 0 uses the configured default")
	generateItemCmd.Flags().Int("day", 1, "Day number the item is for")
	generateCmd.AddCommand(generateSnackCmd)
	generateSnackCmd.Flags().Float64("kcal", 200, "Target calories")
	generateSnackCmd.Flags().Float64("tolerance", 0, "Calorie window around the target, 0 uses the configured default")
	generateSnackCmd.Flags().Int("day", 1, "Day number the snack is for")
	generateCmd.AddCommand(generatePlanCmd)
	generatePlanCmd.Flags().Float64("kcal", 2000, "Daily calorie target")
	generatePlanCmd.Flags().String("week", "", "Any date in the target week (YYYY-MM-DD), default this week")
	generateCmd.AddCommand(exchangeCmd)
	generateCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().String("note", "", "Extra context for the estimate, e.g. portion size")

	// metrics subcommands
	metricsCmd.AddCommand(metricsCleanupCmd)
	metricsCleanupCmd.Flags().Int("days", 30, "Keep records for the last N days")
	metricsCmd.AddCommand(metricsUsageCmd)
	metricsUsageCmd.Flags().Int("days", 7, "Days of usage to show")
	metricsCmd.AddCommand(metricsHealthCmd)

	// root commands
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(metricsCmd)
}
