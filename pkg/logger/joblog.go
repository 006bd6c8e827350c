// Package logger sets up the process logger and provides a per-job buffered
// log for long operations such as archive creation.
//
// Job details are buffered while the job runs. On failure the buffer is
// replayed followed by the error; on success it is dropped and a single
// summary line is written. A dedicated goroutine owns the buffers.
package logger

import (
	"fmt"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	jobID   string
	message string
	err     error
	when    time.Time
	done    chan struct{}
}

// JobLog buffers detail lines per job id.
type JobLog struct {
	ch   chan cmd
	logf func(string, ...any)
}

// NewJobLog starts the owning goroutine; lines are emitted through logf.
func NewJobLog(logf func(string, ...any)) *JobLog {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	j := &JobLog{ch: make(chan cmd, 128), logf: logf}
	go j.run()
	return j
}

// Begin starts buffering for jobID.
func (j *JobLog) Begin(jobID string) {
	j.ch <- cmd{act: actBegin, jobID: jobID, when: time.Now()}
}

// Appendf adds a detail line.
func (j *JobLog) Appendf(jobID, format string, args ...any) {
	j.ch <- cmd{act: actAppend, jobID: jobID, message: fmt.Sprintf(format, args...), when: time.Now()}
}

// Success drops the buffer and writes one summary line.
func (j *JobLog) Success(jobID, summary string) {
	j.ch <- cmd{act: actSuccess, jobID: jobID, message: summary, when: time.Now()}
}

// FlushError replays the buffered lines and the final error.
func (j *JobLog) FlushError(jobID string, err error) {
	j.ch <- cmd{act: actFlushErr, jobID: jobID, err: err, when: time.Now()}
}

// Sync waits until every command sent so far has been written.
func (j *JobLog) Sync() {
	done := make(chan struct{})
	j.ch <- cmd{act: -1, done: done}
	<-done
}

func (j *JobLog) run() {
	type buffered struct {
		started time.Time
		lines   []string
	}
	buffers := make(map[string]*buffered)

	for c := range j.ch {
		switch c.act {
		case actBegin:
			buffers[c.jobID] = &buffered{started: c.when}

		case actAppend:
			if b := buffers[c.jobID]; b != nil {
				b.lines = append(b.lines, c.message)
			} else {
				j.logf("[%s] %s", c.jobID, c.message)
			}

		case actSuccess:
			took := ""
			if b := buffers[c.jobID]; b != nil {
				took = " in " + c.when.Sub(b.started).Truncate(time.Millisecond).String()
			}
			j.logf("[%s] ok%s: %s", c.jobID, took, c.message)
			delete(buffers, c.jobID)

		case actFlushErr:
			if b := buffers[c.jobID]; b != nil {
				for _, ln := range b.lines {
					j.logf("[%s] %s", c.jobID, strings.TrimRight(ln, "\n"))
				}
				delete(buffers, c.jobID)
			}
			j.logf("[%s][ERROR] %v", c.jobID, c.err)
		}
		if c.done != nil {
			close(c.done)
		}
	}
}
