package entitlements

import "strings"

type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanScale   Plan = "scale"
)

// Normalize maps an arbitrary plan string to a known plan code, defaulting
// to free for anything unknown.
func Normalize(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanStarter):
		return PlanStarter
	case string(PlanPro):
		return PlanPro
	case string(PlanScale):
		return PlanScale
	default:
		return PlanFree
	}
}

// Rank orders plans so the best entitling subscription wins when a user has
// more than one.
func Rank(plan Plan) int {
	switch plan {
	case PlanScale:
		return 3
	case PlanPro:
		return 2
	case PlanStarter:
		return 1
	default:
		return 0
	}
}

// IncludedGenerations returns the number of generations included per period
// for display on the dashboard; credits remain the source of truth.
func IncludedGenerations(plan Plan) int {
	switch plan {
	case PlanScale:
		return 10000
	case PlanPro:
		return 2000
	case PlanStarter:
		return 500
	default:
		return 25
	}
}
