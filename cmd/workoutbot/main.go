package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/workoutbot/internal/config"
)

var (
	logger      zerolog.Logger
	cfg         *config.Config
	workoutPath string
)

var rootCmd = &cobra.Command{
	Use:   "workoutbot",
	Short: "Workout Bot - random exercise callouts for Slack channels",
	Long: "Workout Bot calls out random present channel members to do a few reps " +
		"of a random exercise at random intervals, and keeps a per-channel tally.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workoutPath, "workout", "", "workout YAML file (overrides WORKOUT_FILE)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it).
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if workoutPath != "" {
		cfg.WorkoutFile = workoutPath
	}
	logger = setupLogger(cfg.Environment, cfg.LogLevel)
	return nil
}

// loadScheduler resolves the workout file into the scheduler snapshot.
func loadScheduler() (config.Scheduler, error) {
	w, err := config.LoadWorkout(cfg.WorkoutFile)
	if err != nil {
		return config.Scheduler{}, err
	}
	return w.Scheduler()
}

func setupLogger(environment, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	l := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if environment == "development" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if lvl, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Logger = l
	return l
}
