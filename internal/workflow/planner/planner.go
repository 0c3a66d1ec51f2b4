// Package planner parses orchestrator plan text into a validated task DAG.
//
// The expected line grammar is:
//
//	Task 1: @researcher - Collect background material
//	Task 2: @writer - Draft the summary (depends on Task 1)
//	Task 3: @reviewer - Review the draft (depends on Task 1, Task 2)
//
// Parsing is line-tolerant: prose around task lines is ignored, so the model
// may explain its plan without breaking it.
package planner

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrEmptyPlan reports plan text with no parseable task lines.
var ErrEmptyPlan = errors.New("plan contains no tasks")

// UnknownAgentError reports a task assigned to a handle that resolves to no
// active agent.
type UnknownAgentError struct {
	Task   int
	Handle string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("task %d references unknown agent @%s", e.Task, e.Handle)
}

// UnknownDependencyError reports a dependency on a task number that does not
// appear in the plan.
type UnknownDependencyError struct {
	Task int
	Ref  int
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %d depends on unknown task %d", e.Task, e.Ref)
}

// DuplicateTaskError reports a task number used more than once.
type DuplicateTaskError struct {
	Number int
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %d appears more than once", e.Number)
}

// CyclicPlanError reports a dependency cycle.
type CyclicPlanError struct {
	Tasks []int
}

func (e *CyclicPlanError) Error() string {
	parts := make([]string, len(e.Tasks))
	for i, n := range e.Tasks {
		parts[i] = strconv.Itoa(n)
	}
	return "plan contains a dependency cycle through tasks " + strings.Join(parts, ", ")
}

// Task is one parsed plan entry. Handle is lowercased; DependsOn holds task
// numbers in declaration order.
type Task struct {
	Number      int
	Handle      string
	Description string
	DependsOn   []int
}

var (
	taskLinePattern = regexp.MustCompile(`(?i)^\s*(?:[-*]\s*)?task\s+(\d+)\s*:\s*@([A-Za-z0-9][A-Za-z0-9_-]*)\s*-\s*(.+?)\s*$`)
	dependsPattern  = regexp.MustCompile(`(?i)\s*\((?:depends\s+on|after)\s+([^)]*)\)\s*$`)
	refPattern      = regexp.MustCompile(`(\d+)`)
)

// Parse extracts the task list from plan text and validates it against the
// set of known agent handles (lowercased). The returned tasks keep their
// order of appearance.
func Parse(planText string, knownHandles map[string]bool) ([]*Task, error) {
	var tasks []*Task
	byNumber := make(map[int]*Task)

	for _, line := range strings.Split(planText, "\n") {
		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		number, _ := strconv.Atoi(m[1])
		handle := strings.ToLower(m[2])
		description := m[3]

		var deps []int
		if dm := dependsPattern.FindStringSubmatch(description); dm != nil {
			description = strings.TrimSpace(dependsPattern.ReplaceAllString(description, ""))
			for _, ref := range refPattern.FindAllString(dm[1], -1) {
				n, _ := strconv.Atoi(ref)
				deps = append(deps, n)
			}
		}

		if _, dup := byNumber[number]; dup {
			return nil, &DuplicateTaskError{Number: number}
		}
		t := &Task{
			Number:      number,
			Handle:      handle,
			Description: description,
			DependsOn:   deps,
		}
		byNumber[number] = t
		tasks = append(tasks, t)
	}

	if len(tasks) == 0 {
		return nil, ErrEmptyPlan
	}

	for _, t := range tasks {
		if !knownHandles[t.Handle] {
			return nil, &UnknownAgentError{Task: t.Number, Handle: t.Handle}
		}
		for _, ref := range t.DependsOn {
			if _, ok := byNumber[ref]; !ok {
				return nil, &UnknownDependencyError{Task: t.Number, Ref: ref}
			}
		}
	}

	if cycle := findCycle(tasks, byNumber); len(cycle) > 0 {
		return nil, &CyclicPlanError{Tasks: cycle}
	}
	return tasks, nil
}

// findCycle runs a depth-first search over the dependency edges and returns
// the numbers on the first cycle found.
func findCycle(tasks []*Task, byNumber map[int]*Task) []int {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[int]int, len(tasks))

	var stack []int
	var cycle []int
	var visit func(n int) bool
	visit = func(n int) bool {
		state[n] = inStack
		stack = append(stack, n)
		for _, dep := range byNumber[n].DependsOn {
			switch state[dep] {
			case inStack:
				// Slice the stack from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						cycle = append([]int{}, stack[i:]...)
						return true
					}
				}
				cycle = []int{dep, n}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	for _, t := range tasks {
		if state[t.Number] == unvisited && visit(t.Number) {
			return cycle
		}
	}
	return nil
}
