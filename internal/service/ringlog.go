package service

// LogLines is the number of output lines kept per step.
const LogLines = 300

// ringLog keeps the last LogLines lines. It is guarded by Supervisor.mx.
type ringLog struct {
	lines []string
	next  int
	full  bool
}

func newRingLog() *ringLog {
	return &ringLog{lines: make([]string, LogLines)}
}

func (r *ringLog) Add(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns a copy, oldest line first.
func (r *ringLog) Lines() []string {
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	ret := make([]string, 0, len(r.lines))
	ret = append(ret, r.lines[r.next:]...)
	return append(ret, r.lines[:r.next]...)
}

func (r *ringLog) Reset() {
	clear(r.lines)
	r.next = 0
	r.full = false
}
