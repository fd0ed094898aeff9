// Package progression maps experience totals onto the level ladder.
package progression

// Level is one rung of the ladder.
type Level struct {
	Number    int      `json:"level"`
	Title     string   `json:"title"`
	Threshold int64    `json:"xp_required"`
	Unlocks   []string `json:"unlocks"`
}

// Progress describes where an experience total sits on the ladder.
type Progress struct {
	XP              int64  `json:"xp"`
	Level           Level  `json:"level"`
	Next            *Level `json:"next_level"`
	ProgressPercent int    `json:"progress_percent"`
	XPToNext        int64  `json:"xp_to_next"`
}

// Table is an ascending ladder. The first level must have threshold 0.
type Table []Level

// Default is the product ladder.
var Default = Table{
	{Number: 1, Title: "Initiate", Threshold: 0, Unlocks: []string{"View leaderboard", "Follow up to 3 masters"}},
	{Number: 2, Title: "Apprentice", Threshold: 100, Unlocks: []string{"Unlimited follows", "View full reasoning on bets"}},
	{Number: 3, Title: "Student", Threshold: 500, Unlocks: []string{"Auto-copy apprenticeships"}},
	{Number: 4, Title: "Journeyman", Threshold: 1500, Unlocks: []string{"Place own bets", "Appear on mini-leaderboard"}},
}

// LevelFor returns the index of the highest level whose threshold <= xp.
func (t Table) LevelFor(xp int64) int {
	idx := 0
	for i, l := range t {
		if l.Threshold <= xp {
			idx = i
		}
	}
	return idx
}

// Progress computes the level, the next level and the progress toward it.
// At the top of the ladder Next is nil and ProgressPercent is 100.
func (t Table) Progress(xp int64) Progress {
	idx := t.LevelFor(xp)
	cur := t[idx]
	p := Progress{XP: xp, Level: cur}

	if idx == len(t)-1 {
		p.ProgressPercent = 100
		return p
	}

	next := t[idx+1]
	p.Next = &next
	span := next.Threshold - cur.Threshold
	p.ProgressPercent = int((xp - cur.Threshold) * 100 / span)
	p.ProgressPercent = max(0, min(100, p.ProgressPercent))
	p.XPToNext = next.Threshold - xp
	return p
}
