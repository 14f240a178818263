package game

// TaskType tells a game manager what to do with a task.
type TaskType int

const (
	TaskNone TaskType = iota
	TaskFetchNext
	TaskComputeMove
	TaskPlayGame
)

func (t TaskType) String() string {
	switch t {
	case TaskFetchNext:
		return "fetch"
	case TaskComputeMove:
		return "compute"
	case TaskPlayGame:
		return "game"
	default:
		return "none"
	}
}

// Task is a unit of work issued by a task provider and consumed exactly once by a
// game manager. ID is opaque to the manager and correlates results back to the provider.
type Task struct {
	ID         string
	Type       TaskType
	SwitchSide bool // engine B plays white
	Record     *Record
}
