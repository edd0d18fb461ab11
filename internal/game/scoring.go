package game

import "math"

// Scoring policy: an incorrect or missing answer is worth nothing; a
// correct answer earns a base plus a speed bonus proportional to the
// fraction of the time limit left when the answer arrived. A correct
// answer therefore always outscores an incorrect one, and among correct
// answers faster is strictly better.
const (
	BaseScore = 1000
	BonusCap  = 500
)

// Score maps one answer to points. responseTimeSeconds at or beyond the
// limit earns the base only; non-positive limits are treated as expired.
func Score(isCorrect bool, responseTimeSeconds, timeLimitSeconds float64) int {
	if !isCorrect {
		return 0
	}
	if timeLimitSeconds <= 0 {
		return BaseScore
	}
	remaining := (timeLimitSeconds - responseTimeSeconds) / timeLimitSeconds
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 1 {
		remaining = 1
	}
	return BaseScore + int(math.Floor(remaining*BonusCap))
}
