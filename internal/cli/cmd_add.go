package cli

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"daybook/internal/schema"
)

var errDescriptionRequired = errors.New("task description is required")

func cmdAdd(o *IO, cfg Config, log *slog.Logger, args []string) error {
	flagSet := flag.NewFlagSet("add", flag.ContinueOnError)
	flagSet.SetOutput(&strings.Builder{})

	date := flagSet.StringP("date", "d", "", "Calendar date the task is for (YYYY-MM-DD, default today)")

	if hasHelpFlag(args) {
		o.Println("Usage: daybook add [-d date] <description>")
		o.Println()
		o.Println("Add a task. Prints the task ID on success.")

		return nil
	}

	err := flagSet.Parse(args)
	if err != nil {
		return err
	}

	description := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if description == "" {
		return errDescriptionRequired
	}

	taskDate := *date
	if taskDate == "" {
		taskDate = time.Now().UTC().Format(schema.DateFormat)
	}

	task, err := schema.NewTask(description, taskDate, time.Now())
	if err != nil {
		return err
	}

	s, err := openSession(cfg, log)
	if err != nil {
		return err
	}

	defer func() { _ = s.close() }()

	s.warnStatus(o)

	err = s.mutate(func(doc *schema.Document) error {
		doc.Tasks = append(doc.Tasks, task)

		return nil
	})
	if err != nil {
		return err
	}

	o.Println(task.ID)

	return nil
}
