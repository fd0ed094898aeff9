package ledger

// Event names an action that earns experience.
type Event string

const (
	EventCopySignal   Event = "copy_signal"
	EventPositionWon  Event = "position_won"
	EventPositionLost Event = "position_lost"
	EventFirstFollow  Event = "first_follow"
)

// Awards is the single XP policy table. Every award in the engine is
// resolved through it.
var Awards = map[Event]int64{
	EventCopySignal:   10,
	EventPositionWon:  25,
	EventPositionLost: 5,
	EventFirstFollow:  50,
}
