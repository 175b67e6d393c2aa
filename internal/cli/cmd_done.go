package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"daybook/internal/schema"
)

var (
	errIDRequired   = errors.New("task ID is required")
	errTaskNotFound = errors.New("task not found")
	errIDAmbiguous  = errors.New("task ID prefix is ambiguous")
)

func cmdDone(o *IO, cfg Config, log *slog.Logger, args []string) error {
	if hasHelpFlag(args) {
		o.Println("Usage: daybook done <id>")
		o.Println()
		o.Println("Mark a task completed. Accepts a unique ID prefix.")

		return nil
	}

	return completeTask(o, cfg, log, args, true)
}

func cmdReopen(o *IO, cfg Config, log *slog.Logger, args []string) error {
	if hasHelpFlag(args) {
		o.Println("Usage: daybook reopen <id>")
		o.Println()
		o.Println("Reopen a completed task. Accepts a unique ID prefix.")

		return nil
	}

	return completeTask(o, cfg, log, args, false)
}

func completeTask(o *IO, cfg Config, log *slog.Logger, args []string, complete bool) error {
	if len(args) == 0 || args[0] == "" {
		return errIDRequired
	}

	id := args[0]

	s, err := openSession(cfg, log)
	if err != nil {
		return err
	}

	defer func() { _ = s.close() }()

	s.warnStatus(o)

	err = s.mutate(func(doc *schema.Document) error {
		idx, err := findTask(doc.Tasks, id)
		if err != nil {
			return err
		}

		if complete {
			doc.Tasks[idx].Complete(time.Now())
		} else {
			doc.Tasks[idx].Reopen()
		}

		return nil
	})
	if err != nil {
		return err
	}

	o.Println("ok")

	return nil
}

// findTask locates a task by ID or unique ID prefix.
func findTask(tasks []schema.Task, id string) (int, error) {
	found := -1

	for i := range tasks {
		if tasks[i].ID == id {
			return i, nil
		}

		if strings.HasPrefix(tasks[i].ID, id) {
			if found >= 0 {
				return 0, fmt.Errorf("%w: %s", errIDAmbiguous, id)
			}

			found = i
		}
	}

	if found < 0 {
		return 0, fmt.Errorf("%w: %s", errTaskNotFound, id)
	}

	return found, nil
}
