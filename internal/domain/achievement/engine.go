package achievement

// Engine evaluates catalog rules against progress snapshots.
type Engine struct {
	catalog *Catalog
}

// NewEngine creates an engine over the catalog.
func NewEngine(catalog *Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Catalog returns the engine's catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Evaluate returns, sorted by id, every achievement that is not in unlocked
// and whose rule holds for the snapshot. It has no side effects, so calling
// it again with the same inputs yields the same answer.
func (e *Engine) Evaluate(s Snapshot, unlocked map[string]bool) []Achievement {
	var out []Achievement
	for _, a := range e.catalog.items {
		if unlocked[a.ID] {
			continue
		}
		if a.Rule.Satisfied(s) {
			out = append(out, a)
		}
	}
	return out
}

// Statuses merges the catalog with a user's unlocks, optionally filtered by
// category and to unlocked entries only. The result is sorted by id.
func (e *Engine) Statuses(unlocks []Unlock, category Category, unlockedOnly bool) []Status {
	at := make(map[string]Unlock, len(unlocks))
	for _, u := range unlocks {
		at[u.AchievementID] = u
	}

	out := make([]Status, 0, len(e.catalog.items))
	for _, a := range e.catalog.items {
		if category != "" && a.Category != category {
			continue
		}
		st := Status{Achievement: a}
		if u, ok := at[a.ID]; ok {
			t := u.UnlockedAt
			st.UnlockedAt = &t
		}
		if unlockedOnly && !st.Unlocked() {
			continue
		}
		out = append(out, st)
	}
	return out
}

// BadgeIDs returns the badges granted by the given unlocks, in catalog order.
func (e *Engine) BadgeIDs(unlocks []Unlock) []string {
	have := UnlockedSet(unlocks)
	var out []string
	for _, a := range e.catalog.items {
		if a.Badge != "" && have[a.ID] {
			out = append(out, a.Badge)
		}
	}
	return out
}

// UnlockedSet indexes unlocks by achievement id.
func UnlockedSet(unlocks []Unlock) map[string]bool {
	set := make(map[string]bool, len(unlocks))
	for _, u := range unlocks {
		set[u.AchievementID] = true
	}
	return set
}
