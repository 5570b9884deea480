package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/workoutbot/internal/errors"
)

// Time units accepted for callouts.timeBetween.units.
const (
	UnitSeconds = "seconds"
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// Exercise is one entry of the exercise list. Slug identifies it in the
// ledger and stays stable when Name changes.
type Exercise struct {
	Slug    string `yaml:"slug" json:"slug"`
	Name    string `yaml:"name" json:"name"`
	MinReps int    `yaml:"minReps" json:"min_reps"`
	MaxReps int    `yaml:"maxReps" json:"max_reps"`
	Units   string `yaml:"units,omitempty" json:"units,omitempty"`
}

// UnitLabel returns the unit suffix for announcements, empty for a bare rep count.
func (e Exercise) UnitLabel() string {
	switch strings.ToLower(strings.TrimSpace(e.Units)) {
	case "", "rep", "reps":
		return ""
	default:
		return e.Units
	}
}

// TimeBetween bounds the randomized delay between callouts.
type TimeBetween struct {
	MinTime int    `yaml:"minTime"`
	MaxTime int    `yaml:"maxTime"`
	Units   string `yaml:"units"`
}

// Callouts configures who is called out and how often.
type Callouts struct {
	TimeBetween        TimeBetween `yaml:"timeBetween"`
	NumPeople          int         `yaml:"numPeople"`
	GroupCalloutChance float64     `yaml:"groupCalloutChance"`
	WorkingTimeAware   bool        `yaml:"workingTimeAware"`
}

// OfficeHoursFile is the YAML form of the business calendar.
type OfficeHoursFile struct {
	Begin    int      `yaml:"begin"`
	End      int      `yaml:"end"`
	Weekdays []string `yaml:"weekdays"`
}

// Workout is the YAML workout file. Fields absent from the file keep the
// values of DefaultWorkout; a present exercises list replaces the default one.
type Workout struct {
	Callouts    Callouts        `yaml:"callouts"`
	OfficeHours OfficeHoursFile `yaml:"officeHours"`
	Timezone    string          `yaml:"timezone"`
	Locale      string          `yaml:"locale"`
	Exercises   []Exercise      `yaml:"exercises"`
}

// DefaultWorkout mirrors the bot's historical defaults.
func DefaultWorkout() Workout {
	return Workout{
		Callouts: Callouts{
			TimeBetween: TimeBetween{MinTime: 17, MaxTime: 23, Units: UnitMinutes},
			NumPeople:   3,
			// group callouts are opt-in
			GroupCalloutChance: 0,
		},
		OfficeHours: OfficeHoursFile{
			Begin:    9,
			End:      17,
			Weekdays: []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
		},
		Timezone: "Local",
		Locale:   "en",
		Exercises: []Exercise{
			{Slug: "pushups", Name: "pushups", MinReps: 15, MaxReps: 20, Units: "rep"},
			{Slug: "planks", Name: "planks", MinReps: 40, MaxReps: 60, Units: "second"},
			{Slug: "wall-sit", Name: "wall sit", MinReps: 40, MaxReps: 50, Units: "second"},
			{Slug: "chair-dips", Name: "chair dips", MinReps: 15, MaxReps: 30, Units: "rep"},
			{Slug: "calf-raises", Name: "calf raises", MinReps: 20, MaxReps: 30, Units: "rep"},
		},
	}
}

// LoadWorkout reads path over the defaults. An empty path returns the defaults.
func LoadWorkout(path string) (Workout, error) {
	w := DefaultWorkout()
	if path == "" {
		return w, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Workout{}, fmt.Errorf("reading workout file: %w", err)
	}
	return ParseWorkout(raw)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} with the environment value. An unset or empty
// variable yields the default after ":-", or the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		if v := os.Getenv(m[1]); v != "" {
			return v
		}
		return m[2]
	})
}

// ParseWorkout expands ${VAR} references and decodes YAML over the defaults.
func ParseWorkout(raw []byte) (Workout, error) {
	raw = []byte(expandEnvVars(string(raw)))
	w := DefaultWorkout()
	var override Workout
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Workout{}, fmt.Errorf("parsing workout file: %w", err)
	}
	// Decode a second time over the defaults so nested fields merge.
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return Workout{}, fmt.Errorf("parsing workout file: %w", err)
	}
	if override.Exercises != nil {
		w.Exercises = override.Exercises
	}
	if override.OfficeHours.Weekdays != nil {
		w.OfficeHours.Weekdays = override.OfficeHours.Weekdays
	}
	return w, nil
}

// OfficeHours is the resolved business calendar.
type OfficeHours struct {
	Begin    int
	End      int
	Weekdays []time.Weekday
}

// Scheduler is the resolved, read-only snapshot consumed by the callout core.
type Scheduler struct {
	MinTime            int
	MaxTime            int
	TimeUnit           string
	NumUsers           int
	WorkingTimeAware   bool
	GroupCalloutChance float64
	OfficeHours        OfficeHours
	Location           *time.Location
	Locale             string
	Exercises          []Exercise
}

// Scheduler resolves the workout file into a validated snapshot.
func (w Workout) Scheduler() (Scheduler, error) {
	loc := time.Local
	if w.Timezone != "" && w.Timezone != "Local" {
		l, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return Scheduler{}, perrors.InvalidConfig("timezone %q: %v", w.Timezone, err)
		}
		loc = l
	}

	days := make([]time.Weekday, 0, len(w.OfficeHours.Weekdays))
	for _, d := range w.OfficeHours.Weekdays {
		wd, ok := parseWeekday(d)
		if !ok {
			return Scheduler{}, perrors.InvalidConfig("unknown weekday %q", d)
		}
		days = append(days, wd)
	}

	exercises := make([]Exercise, len(w.Exercises))
	for i, e := range w.Exercises {
		if e.Slug == "" {
			e.Slug = Slugify(e.Name)
		}
		if e.Name == "" {
			e.Name = e.Slug
		}
		exercises[i] = e
	}

	s := Scheduler{
		MinTime:            w.Callouts.TimeBetween.MinTime,
		MaxTime:            w.Callouts.TimeBetween.MaxTime,
		TimeUnit:           w.Callouts.TimeBetween.Units,
		NumUsers:           w.Callouts.NumPeople,
		WorkingTimeAware:   w.Callouts.WorkingTimeAware,
		GroupCalloutChance: w.Callouts.GroupCalloutChance,
		OfficeHours: OfficeHours{
			Begin:    w.OfficeHours.Begin,
			End:      w.OfficeHours.End,
			Weekdays: days,
		},
		Location:  loc,
		Locale:    w.Locale,
		Exercises: exercises,
	}
	if err := s.Validate(); err != nil {
		return Scheduler{}, err
	}
	return s, nil
}

// Validate re-checks the snapshot shape. All failures wrap ErrInvalidConfig.
func (s Scheduler) Validate() error {
	if len(s.Exercises) == 0 {
		return fmt.Errorf("%w: %w", perrors.ErrInvalidConfig, perrors.ErrEmptyInput)
	}
	seen := make(map[string]bool, len(s.Exercises))
	for _, e := range s.Exercises {
		if e.Slug == "" {
			return perrors.InvalidConfig("exercise %q has no slug", e.Name)
		}
		if seen[e.Slug] {
			return perrors.InvalidConfig("duplicate exercise slug %q", e.Slug)
		}
		seen[e.Slug] = true
		if e.MinReps < 0 || e.MinReps > e.MaxReps {
			return perrors.InvalidConfig("exercise %q: reps range [%d, %d]", e.Slug, e.MinReps, e.MaxReps)
		}
	}
	if s.MinTime < 0 || s.MinTime > s.MaxTime {
		return perrors.InvalidConfig("time between callouts [%d, %d]", s.MinTime, s.MaxTime)
	}
	if s.NumUsers < 1 {
		return perrors.InvalidConfig("numPeople must be positive, got %d", s.NumUsers)
	}
	if s.GroupCalloutChance < 0 || s.GroupCalloutChance > 1 {
		return perrors.InvalidConfig("groupCalloutChance %v outside [0, 1]", s.GroupCalloutChance)
	}
	if s.WorkingTimeAware {
		oh := s.OfficeHours
		if oh.Begin < 0 || oh.End > 24 || oh.Begin >= oh.End {
			return perrors.InvalidConfig("office hours %d-%d", oh.Begin, oh.End)
		}
		if len(oh.Weekdays) == 0 {
			return perrors.InvalidConfig("office hours have no working weekdays")
		}
	}
	return nil
}

// ExerciseSlugs lists the configured slugs in order.
func (s Scheduler) ExerciseSlugs() []string {
	slugs := make([]string, len(s.Exercises))
	for i, e := range s.Exercises {
		slugs[i] = e.Slug
	}
	return slugs
}

// Exercise looks up an exercise by slug.
func (s Scheduler) Exercise(slug string) (Exercise, bool) {
	for _, e := range s.Exercises {
		if e.Slug == slug {
			return e, true
		}
	}
	return Exercise{}, false
}

// Slugify derives a slug from a display name: "Wall Sit" -> "wall-sit".
func Slugify(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

func parseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, true
		}
	}
	return 0, false
}
