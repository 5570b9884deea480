package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/workoutbot/internal/callout"
	"github.com/p-blackswan/workoutbot/internal/ledger"
	"github.com/p-blackswan/workoutbot/internal/mgmt"
	"github.com/p-blackswan/workoutbot/internal/store"
)

var (
	statsJSON    bool
	infoJSON     bool
	historyLimit int
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats [room...]",
	Short: "Print the ledger totals",
	Long:  "Print per-user totals for the given rooms, or for every room in the ledger",
	RunE:  runStats,
}

var historyCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print recent callouts for a room",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the database",
	Long:  "Print the schema version, ledger size and callout and audit counts of DB_PATH",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a management API token",
	Long:  "Sign a JWT with MGMT_JWT_SECRET for use with MGMT_AUTH_MODE=jwt",
	RunE:  runToken,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON instead of text")
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print JSON instead of text")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of callouts to show")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "who the token is issued to")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(mgmt.RoleReadOnly), "admin, operator or readonly")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(statsCmd, historyCmd, infoCmd, tokenCmd)
}

// loadCLIConfig is loadConfig for one-shot commands, whose stdout is the result.
func loadCLIConfig() error {
	if err := loadConfig(); err != nil {
		return err
	}
	logger = logger.Level(zerolog.WarnLevel)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	if err := loadCLIConfig(); err != nil {
		return err
	}
	schedCfg, err := loadScheduler()
	if err != nil {
		return fmt.Errorf("load workout: %w", err)
	}
	ctx := cmd.Context()

	b, err := openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	led := ledger.New(b.kv, logger, ledger.WithExercises(schedCfg.ExerciseSlugs()))
	if err := led.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	rooms := args
	if len(rooms) == 0 {
		rooms = led.Rooms()
		sort.Strings(rooms)
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		all := make(map[string]ledger.RoomStats, len(rooms))
		for _, room := range rooms {
			all[room] = led.RoomStats(ctx, room)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}

	if len(rooms) == 0 {
		fmt.Fprintln(out, "The ledger is empty.")
		return nil
	}
	for i, room := range rooms {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "#%s\n%s\n", room, callout.FormatStats(schedCfg.Exercises, led.RoomStats(ctx, room)))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := loadCLIConfig(); err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := store.New(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	callouts, err := db.ListCallouts(ctx, store.CalloutFilter{Room: args[0], Limit: historyLimit})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIRED\tEXERCISE\tREPS\tWHO")
	for _, c := range callouts {
		who := strings.Join(c.Users, ",")
		switch {
		case c.Group:
			who = "@here"
		case who == "":
			who = "-"
		}
		reps := fmt.Sprint(c.Reps)
		if c.Units != "" {
			reps += " " + c.Units
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			time.UnixMilli(c.FiredAt).Format(time.RFC3339), c.ExerciseName, reps, who)
	}
	return w.Flush()
}

func runInfo(cmd *cobra.Command, args []string) error {
	if err := loadCLIConfig(); err != nil {
		return err
	}
	db, err := store.New(cfg.DBPath, logger, store.WithBusyTimeout(cfg.DBBusyTimeout))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sum, err := db.Summary(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if infoJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "path\t%s\n", sum.Path)
	fmt.Fprintf(w, "schema\tv%s\n", sum.SchemaVersion)
	fmt.Fprintf(w, "ledger\t%d bytes\n", sum.LedgerBytes)
	fmt.Fprintf(w, "callouts\t%d in %d rooms\n", sum.Callouts, sum.Rooms)
	fmt.Fprintf(w, "audit entries\t%d\n", sum.AuditEntries)
	fmt.Fprintf(w, "size\t%d bytes\n", sum.SizeBytes)
	return w.Flush()
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadCLIConfig(); err != nil {
		return err
	}
	token, err := mgmt.IssueToken(cfg.MgmtJWTSecret, tokenSubject, mgmt.Role(tokenRole), tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
