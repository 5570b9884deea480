// Package eligibility decides which channel members may be called out.
package eligibility

// PresenceActive is the only presence value that makes a member selectable.
const PresenceActive = "active"

// Participant is a channel member as reported by the chat adapter.
type Participant struct {
	ID               string
	Name             string
	IsServiceAccount bool
	IsBot            bool
	IsDeleted        bool
	IsRestricted     bool
	Presence         string
}

// IsEligible reports whether p is an ordinary, active human member.
// An unknown or empty presence counts as not active.
func IsEligible(p Participant) bool {
	if p.ID == "" {
		return false
	}
	if p.IsServiceAccount || p.IsBot || p.IsDeleted || p.IsRestricted {
		return false
	}
	return p.Presence == PresenceActive
}

// IsHuman reports whether p is a real, current member regardless of presence
// or guest status. Used to seed stats for everyone in the channel.
func IsHuman(p Participant) bool {
	return p.ID != "" && !p.IsServiceAccount && !p.IsBot && !p.IsDeleted
}

// Filter returns the eligible participants, preserving order.
func Filter(ps []Participant) []Participant {
	out := make([]Participant, 0, len(ps))
	for _, p := range ps {
		if IsEligible(p) {
			out = append(out, p)
		}
	}
	return out
}
