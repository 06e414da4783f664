package retry

import "sync"

// outcomeWindow is a fixed-size ring of recent attempt outcomes.
type outcomeWindow struct {
	mu     sync.Mutex
	buf    []bool
	next   int
	filled int
	wins   int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{buf: make([]bool, size)}
}

func (w *outcomeWindow) record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == len(w.buf) {
		if w.buf[w.next] {
			w.wins--
		}
	} else {
		w.filled++
	}
	w.buf[w.next] = success
	if success {
		w.wins++
	}
	w.next = (w.next + 1) % len(w.buf)
}

// rate returns the success ratio and false when the window is empty.
func (w *outcomeWindow) rate() (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0, false
	}
	return float64(w.wins) / float64(w.filled), true
}

// windows keys outcome windows by policy name.
type windows struct {
	mu   sync.Mutex
	byID map[string]*outcomeWindow
}

func (ws *windows) get(p *Policy) *outcomeWindow {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.byID == nil {
		ws.byID = make(map[string]*outcomeWindow)
	}
	w, ok := ws.byID[p.Name]
	if !ok {
		w = newOutcomeWindow(p.window())
		ws.byID[p.Name] = w
	}
	return w
}
