package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

var errResetAborted = errors.New("reset aborted")

func cmdReset(in io.Reader, o *IO, cfg Config, log *slog.Logger, args []string) error {
	flagSet := flag.NewFlagSet("reset", flag.ContinueOnError)
	flagSet.SetOutput(&strings.Builder{})

	force := flagSet.Bool("force", false, "Skip the confirmation prompt")

	if hasHelpFlag(args) {
		o.Println("Usage: daybook reset [--force]")
		o.Println()
		o.Println("Destroy the document, its backup, preferences, and the")
		o.Println("lease record, then start fresh. This cannot be undone.")

		return nil
	}

	err := flagSet.Parse(args)
	if err != nil {
		return err
	}

	if !*force {
		err = confirmReset(in)
		if err != nil {
			return err
		}
	}

	s, err := openSession(cfg, log)
	if err != nil {
		return err
	}

	defer func() { _ = s.close() }()

	status, err := s.ctrl.Reset()
	if err != nil {
		return err
	}

	s.status = status

	o.Println("reset complete")
	o.Println("health:", status.Health)
	o.Println("mode:", status.Mode)

	return nil
}

// interactiveStdin reports whether in is the process's own stdin attached to
// a terminal. liner always reads the real stdin, so it may only be used when
// that is exactly what in is; any other reader (pipe, test buffer) gets the
// plain path.
func interactiveStdin(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok || f != os.Stdin || !liner.TerminalSupported() {
		return false
	}

	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)

	return err == nil
}

// confirmReset asks for interactive confirmation. Reads through liner when
// attached to a terminal; falls back to a plain read otherwise so piped
// input still works.
func confirmReset(in io.Reader) error {
	answer, err := promptLine(in, "This permanently deletes all tasks. Type 'reset' to confirm: ")
	if err != nil {
		return errResetAborted
	}

	if strings.TrimSpace(answer) != "reset" {
		return errResetAborted
	}

	return nil
}

func promptLine(in io.Reader, prompt string) (string, error) {
	if interactiveStdin(in) {
		state := liner.NewLiner()
		defer state.Close()

		state.SetCtrlCAborts(true)

		return state.Prompt(prompt)
	}

	// Non-terminal input (tests, pipes).
	var sb strings.Builder

	buf := make([]byte, 1)

	for {
		n, err := in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}

			sb.WriteByte(buf[0])
		}

		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				break
			}

			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}

			return "", err
		}
	}

	return sb.String(), nil
}
