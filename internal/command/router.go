package command

import (
	"log"
	"sync"

	"github.com/orrn/fleetd/internal/cloud"
)

// Router resolves commands to per-device workers. Commands whose target has
// no worker yet are held in an in-memory backlog and handed, in original
// order, to the first worker that registers a matching serial. Removing a
// worker does not purge the backlog it may have owned.
type Router struct {
	mu      sync.Mutex
	workers map[string]*Worker
	backlog []cloud.Command
}

func NewRouter() *Router {
	return &Router{
		workers: make(map[string]*Worker),
	}
}

// Register adds a worker and drains every backlog command matching it, in
// the order the commands originally arrived.
func (r *Router) Register(w *Worker) {
	r.mu.Lock()

	serial := w.Serial()
	r.workers[serial] = w

	var kept []cloud.Command
	var matched []cloud.Command
	for _, cmd := range r.backlog {
		if commandMatches(cmd, w) {
			matched = append(matched, cmd)
		} else {
			kept = append(kept, cmd)
		}
	}
	r.backlog = kept
	r.mu.Unlock()

	if len(matched) > 0 {
		log.Printf("[router] draining %d backlog command(s) to %s", len(matched), serial)
	}
	for i, cmd := range matched {
		if !w.Submit(cmd) {
			r.requeueFront(matched[i:])
			log.Printf("[router] worker %s accepted %d of %d backlog command(s), re-queueing the rest",
				serial, i, len(matched))
			return
		}
	}
}

// requeueFront puts unaccepted commands back at the head of the backlog so
// they still precede anything that arrived later.
func (r *Router) requeueFront(cmds []cloud.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backlog = append(append([]cloud.Command{}, cmds...), r.backlog...)
}

// Remove drops a worker (device disconnect). Its backlog, if any, stays
// queued for a later registration.
func (r *Router) Remove(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, serial)
}

// Route hands a command to its target worker or queues it when no worker
// matches yet. Unmatchable commands remain queued, never dropped.
func (r *Router) Route(cmd cloud.Command) {
	r.mu.Lock()
	var target *Worker
	for _, w := range r.workers {
		if commandMatches(cmd, w) {
			target = w
			break
		}
	}
	if target == nil {
		r.backlog = append(r.backlog, cmd)
		r.mu.Unlock()
		log.Printf("[router] no worker for command %s (target %s%s), holding in backlog",
			cmd.CommandID, cmd.TargetSerial, cmd.TargetIP)
		return
	}
	r.mu.Unlock()

	if !target.Submit(cmd) {
		r.mu.Lock()
		r.backlog = append(r.backlog, cmd)
		r.mu.Unlock()
		log.Printf("[router] worker %s did not accept command %s, holding in backlog",
			target.Serial(), cmd.CommandID)
	}
}

// BacklogSize reports how many commands await a matching worker.
func (r *Router) BacklogSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// WorkerCount reports how many workers are registered.
func (r *Router) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

func commandMatches(cmd cloud.Command, w *Worker) bool {
	if cmd.TargetSerial != "" {
		return cmd.TargetSerial == w.Serial()
	}
	if cmd.TargetIP != "" {
		return cmd.TargetIP == w.IPAddress()
	}
	return false
}
