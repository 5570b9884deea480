package callout

import (
	"fmt"

	"github.com/p-blackswan/workoutbot/internal/config"
	"github.com/p-blackswan/workoutbot/internal/draw"
	"github.com/p-blackswan/workoutbot/internal/eligibility"
)

// Picker makes the random choices of a callout.
type Picker interface {
	// Exercise draws an exercise and a rep count within its range.
	Exercise(exercises []config.Exercise) (config.Exercise, int, error)
	// Users samples up to k of the eligible participants.
	Users(eligible []eligibility.Participant, k int) []eligibility.Participant
	// Group reports whether this callout addresses the whole channel.
	Group(chance float64) bool
}

// RandomPicker draws from a draw.Source.
type RandomPicker struct {
	src draw.Source
}

// NewRandomPicker creates a picker over src.
func NewRandomPicker(src draw.Source) *RandomPicker {
	return &RandomPicker{src: src}
}

func (p *RandomPicker) Exercise(exercises []config.Exercise) (config.Exercise, int, error) {
	ex, err := draw.PickOne(p.src, exercises)
	if err != nil {
		return config.Exercise{}, 0, fmt.Errorf("drawing exercise: %w", err)
	}
	reps, err := draw.IntInclusive(p.src, ex.MinReps, ex.MaxReps)
	if err != nil {
		return config.Exercise{}, 0, fmt.Errorf("drawing reps for %s: %w", ex.Slug, err)
	}
	return ex, reps, nil
}

func (p *RandomPicker) Users(eligible []eligibility.Participant, k int) []eligibility.Participant {
	return draw.Sample(p.src, eligible, k)
}

func (p *RandomPicker) Group(chance float64) bool {
	return draw.Chance(p.src, chance)
}
