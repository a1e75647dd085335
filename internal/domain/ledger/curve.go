package ledger

// LevelCurve maps cumulative XP to a level.
//
//	threshold(1) = 0
//	threshold(L) = threshold(L-1) + (L-1) * Constant
//
// With Constant = 100 the thresholds are 0, 100, 300, 600, 1000, ...
// Each step is larger than the previous, so the mapping is strictly
// increasing and a single award can never skip evaluation of a level.
type LevelCurve struct {
	Constant int64
}

// DefaultCurveConstant is the XP step between level 1 and level 2.
const DefaultCurveConstant = 100

// DefaultLevelCurve returns the curve with the default constant.
func DefaultLevelCurve() LevelCurve {
	return LevelCurve{Constant: DefaultCurveConstant}
}

func (c LevelCurve) constant() int64 {
	if c.Constant <= 0 {
		return DefaultCurveConstant
	}
	return c.Constant
}

// Threshold returns the cumulative XP required to reach level.
func (c LevelCurve) Threshold(level int) int64 {
	if level <= 1 {
		return 0
	}
	n := int64(level - 1)
	return c.constant() * n * (n + 1) / 2
}

// LevelFor returns the level reached with totalXP.
func (c LevelCurve) LevelFor(totalXP int64) int {
	if totalXP <= 0 {
		return 1
	}
	level := 1
	for c.Threshold(level+1) <= totalXP {
		level++
	}
	return level
}

// XPToNextLevel returns the XP still missing to reach the next level.
func (c LevelCurve) XPToNextLevel(totalXP int64) int64 {
	return c.Threshold(c.LevelFor(totalXP)+1) - max(totalXP, 0)
}

// Progress returns the share of the current level already earned, in [0, 1).
func (c LevelCurve) Progress(totalXP int64) float64 {
	level := c.LevelFor(totalXP)
	lo, hi := c.Threshold(level), c.Threshold(level+1)
	if hi == lo {
		return 0
	}
	return float64(max(totalXP, 0)-lo) / float64(hi-lo)
}
