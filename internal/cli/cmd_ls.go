package cli

import (
	"log/slog"
	"sort"
	"strings"

	flag "github.com/spf13/pflag"

	"daybook/internal/schema"
)

func cmdLs(o *IO, cfg Config, log *slog.Logger, args []string) error {
	flagSet := flag.NewFlagSet("ls", flag.ContinueOnError)
	flagSet.SetOutput(&strings.Builder{})

	all := flagSet.BoolP("all", "a", false, "Include completed tasks")
	date := flagSet.StringP("date", "d", "", "Only tasks for this date (YYYY-MM-DD)")

	if hasHelpFlag(args) {
		o.Println("Usage: daybook ls [--all] [-d date]")
		o.Println()
		o.Println("List tasks, honoring the stored sort-order preference.")

		return nil
	}

	err := flagSet.Parse(args)
	if err != nil {
		return err
	}

	s, err := openSession(cfg, log)
	if err != nil {
		return err
	}

	defer func() { _ = s.close() }()

	s.warnStatus(o)

	doc, err := s.mgr.Read()
	if err != nil {
		return err
	}

	if doc == nil {
		o.Println("no tasks")

		return nil
	}

	order := schema.SortNewestFirst

	prefs, err := s.mgr.ReadPreferences()
	if err != nil {
		return err
	}

	if prefs != nil {
		order = prefs.SortOrder
	}

	tasks := make([]schema.Task, 0, len(doc.Tasks))

	for _, t := range doc.Tasks {
		if !*all && t.Completed {
			continue
		}

		if *date != "" && t.Date != *date {
			continue
		}

		tasks = append(tasks, t)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if order == schema.SortOldestFirst {
			return tasks[i].Date < tasks[j].Date
		}

		return tasks[i].Date > tasks[j].Date
	})

	if len(tasks) == 0 {
		o.Println("no tasks")

		return nil
	}

	for _, t := range tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}

		o.Printf("[%s] %s  %s  %s\n", mark, t.Date, shortID(t.ID), t.Description)
	}

	// Remember the last viewed date when filtering by one; peers pick it up
	// from the preferences sidecar. Skipped in read-only mode.
	if *date != "" && s.ctrl.Writable() {
		err = s.mgr.WritePreferences(schema.Preferences{LastViewedDate: *date, SortOrder: order})
		if err != nil {
			return err
		}
	}

	return nil
}

// shortID returns the first UUID group, enough to disambiguate locally.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}

	return id
}
