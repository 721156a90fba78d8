package config

import (
	"fmt"
	"slices"
	"strings"
)

// Change summarizes what a reload touched.
type Change struct {
	Logging   bool
	Scheduler bool

	TasksAdded   []string
	TasksRemoved []string
	TasksChanged []string
}

// Empty reports whether nothing relevant changed.
func (c Change) Empty() bool {
	return !c.Logging && !c.Scheduler &&
		len(c.TasksAdded) == 0 && len(c.TasksRemoved) == 0 && len(c.TasksChanged) == 0
}

// TasksTouched reports whether the task set needs to be re-registered.
func (c Change) TasksTouched() bool {
	return len(c.TasksAdded) > 0 || len(c.TasksRemoved) > 0 || len(c.TasksChanged) > 0
}

func (c Change) String() string {
	if c.Empty() {
		return "no changes"
	}
	var parts []string
	if c.Logging {
		parts = append(parts, "logging")
	}
	if c.Scheduler {
		parts = append(parts, "scheduler")
	}
	add := func(label string, names []string) {
		if len(names) > 0 {
			parts = append(parts, fmt.Sprintf("%s=[%s]", label, strings.Join(names, ",")))
		}
	}
	add("tasks+", c.TasksAdded)
	add("tasks-", c.TasksRemoved)
	add("tasks~", c.TasksChanged)
	return strings.Join(parts, " ")
}

// Diff compares two configs. A nil old config counts as empty.
func Diff(old, cur *Config) Change {
	if old == nil {
		old = &Config{}
	}
	if cur == nil {
		cur = &Config{}
	}
	ch := Change{
		Logging:   old.Logging != cur.Logging,
		Scheduler: old.Scheduler != cur.Scheduler,
	}

	before := indexTasks(old.Tasks)
	after := indexTasks(cur.Tasks)
	for name, t := range after {
		prev, ok := before[name]
		switch {
		case !ok:
			ch.TasksAdded = append(ch.TasksAdded, name)
		case !sameTask(prev, t):
			ch.TasksChanged = append(ch.TasksChanged, name)
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			ch.TasksRemoved = append(ch.TasksRemoved, name)
		}
	}
	slices.Sort(ch.TasksAdded)
	slices.Sort(ch.TasksRemoved)
	slices.Sort(ch.TasksChanged)
	return ch
}

func indexTasks(ts []TaskConfig) map[string]TaskConfig {
	m := make(map[string]TaskConfig, len(ts))
	for _, t := range ts {
		m[strings.TrimSpace(t.Name)] = t
	}
	return m
}

func sameTask(a, b TaskConfig) bool {
	return a.Delay == b.Delay && a.Schedule == b.Schedule && a.Message == b.Message &&
		slices.Equal(a.Command, b.Command)
}
