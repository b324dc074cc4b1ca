package agentrun

// TaskStatus represents the state of one node in the work breakdown tree.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is a node in the hierarchical work breakdown reported by the running
// agent process. Children is omitted from the wire when empty so a leaf is
// indistinguishable from "no reported children yet" only by its absence.
type Task struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Status   TaskStatus `json:"status"`
	Children []Task     `json:"children,omitempty"`
}

// MergeTree merges an update into the existing tree. Tasks are matched by ID:
// existing tasks are updated in place, unknown tasks are appended, and tasks
// absent from the update are kept — a partial update never deletes.
func MergeTree(existing, update []Task) []Task {
	merged := make([]Task, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(merged))
	for i := range merged {
		index[merged[i].ID] = i
	}

	for _, u := range update {
		i, ok := index[u.ID]
		if !ok {
			u.Children = MergeTree(nil, u.Children)
			merged = append(merged, u)
			index[u.ID] = len(merged) - 1
			continue
		}
		merged[i].Name = u.Name
		merged[i].Status = u.Status
		if len(u.Children) > 0 {
			merged[i].Children = MergeTree(merged[i].Children, u.Children)
		}
	}
	return merged
}

// normalize collapses empty child slices to nil so they serialize as absent.
func normalize(tasks []Task) []Task {
	for i := range tasks {
		if len(tasks[i].Children) == 0 {
			tasks[i].Children = nil
			continue
		}
		tasks[i].Children = normalize(tasks[i].Children)
	}
	return tasks
}

// Normalize returns the tree with all empty children lists collapsed to nil.
func Normalize(tasks []Task) []Task {
	if len(tasks) == 0 {
		return nil
	}
	return normalize(tasks)
}
