package transfer

import (
	"errors"
	"sort"
	"sync"
)

// ErrTaskNotFound is returned for IDs the registry does not know.
var ErrTaskNotFound = errors.New("transfer: task not found")

// Registry tracks live transfer tasks by ID.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

func (r *Registry) add(task *Task) {
	r.mu.Lock()
	r.tasks[task.id] = task
	r.mu.Unlock()
}

// Get returns the task with the given ID.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// List snapshots every tracked task, ordered by ID.
func (r *Registry) List() []Progress {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	r.mu.Unlock()

	progresses := make([]Progress, 0, len(tasks))
	for _, task := range tasks {
		progresses = append(progresses, task.Progress())
	}
	sort.Slice(progresses, func(i, j int) bool {
		return progresses[i].ID < progresses[j].ID
	})
	return progresses
}

// Pause pauses the task with the given ID.
func (r *Registry) Pause(id string) error {
	task, err := r.Get(id)
	if err != nil {
		return err
	}
	return task.Pause()
}

// Resume restarts the paused task with the given ID.
func (r *Registry) Resume(id string) error {
	task, err := r.Get(id)
	if err != nil {
		return err
	}
	return task.Resume()
}

// Drop forgets finished tasks so the registry does not grow unbounded.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}
