package tasks

// Repository is the durable mirror of the in-memory task registry. One
// record per task, rewritten whole on every state change. Implementations
// must tolerate individually corrupt records on load: one bad file never
// aborts recovery of the others.
type Repository interface {
	LoadAll() ([]*Task, error)
	Save(t *Task) error
	Delete(id string) error
}
