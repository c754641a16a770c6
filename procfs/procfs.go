package procfs

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type TaskState string

const (
	Running        = TaskState("running")
	Sleeping       = TaskState("sleeping")
	WaitingForDisk = TaskState("waiting for disk")
	Zombie         = TaskState("zombie")
	TracingStop    = TaskState("tracing stop")
	Dead           = TaskState("dead")
	Idle           = TaskState("idle")
)

type TaskStatus struct {
	Tid   int
	Comm  string
	State TaskState
	Ppid  int
	Pgrp  int

	// NOTE: See man page for the full list of (52) fields.
}

// Parses /proc/<tgid>/task/<tid>/stat.  tgid and tid are equal for the main
// thread.
func GetTaskStatus(tgid int, tid int) (TaskStatus, error) {
	contentBytes, err := os.ReadFile(
		fmt.Sprintf("/proc/%d/task/%d/stat", tgid, tid))
	if err != nil {
		return TaskStatus{}, fmt.Errorf(
			"failed to read thread %d status: %w",
			tid,
			err)
	}

	content := string(contentBytes)

	commStart := strings.Index(content, "(")
	commEnd := strings.LastIndex(content, ")")

	chunks := strings.Split(content[commEnd+2:], " ")

	tid, err = strconv.Atoi(strings.TrimSpace(content[:commStart]))
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	var state TaskState
	switch chunks[0] {
	case "R":
		state = Running
	case "S":
		state = Sleeping
	case "D":
		state = WaitingForDisk
	case "Z":
		state = Zombie
	case "t":
		state = TracingStop
	case "X":
		state = Dead
	case "I":
		state = Idle
	}

	ppid, err := strconv.Atoi(chunks[1])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	pgrp, err := strconv.Atoi(chunks[2])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	return TaskStatus{
		Tid:   tid,
		Comm:  content[commStart+1 : commEnd],
		State: state,
		Ppid:  ppid,
		Pgrp:  pgrp,
	}, nil
}

func GetProcessStatus(pid int) (TaskStatus, error) {
	return GetTaskStatus(pid, pid)
}

// The process' live thread ids from /proc/<pid>/task, lowest first.  Threads
// may come and go while this list is in use; consumers must tolerate stale
// entries.
func ListThreadIds(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf(
			"failed to list threads of process %d: %w",
			pid,
			err)
	}

	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			// task/ holds only tid directories.
			panic("should never happen: " + err.Error())
		}

		tids = append(tids, tid)
	}

	sort.Ints(tids)
	return tids, nil
}
