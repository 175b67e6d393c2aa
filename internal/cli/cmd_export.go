package cli

import (
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
)

func cmdExport(o *IO, cfg Config, log *slog.Logger, args []string) error {
	flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
	flagSet.SetOutput(&strings.Builder{})

	outPath := flagSet.StringP("output", "o", "", "Write to file instead of stdout")

	if hasHelpFlag(args) {
		o.Println("Usage: daybook export [-o file]")
		o.Println()
		o.Println("Write the raw stored document bytes, unmodified.")
		o.Println("Works in every mode, including read-only: this is the")
		o.Println("recovery path for corrupted data.")

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

	raw, err := s.ctrl.ExportRaw()
	if err != nil {
		return err
	}

	if raw == nil {
		o.Warn("nothing stored yet; nothing exported")

		return nil
	}

	if *outPath != "" {
		err = os.WriteFile(*outPath, raw, 0o644)
		if err != nil {
			return err
		}

		o.Println("exported", len(raw), "bytes to", *outPath)

		return nil
	}

	_, err = o.Write(raw)

	return err
}
