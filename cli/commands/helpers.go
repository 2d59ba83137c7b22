package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
)

var errNotConfirmed = errors.New("aborted")

// askConfirm prompts on the terminal. Tests replace it.
var askConfirm = func(message string) (bool, error) {
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return false, errors.New("stdin is not a terminal; pass --yes to confirm")
	}
	ok := false
	err := survey.AskOne(&survey.Confirm{Message: message, Default: false}, &ok)
	return ok, err
}

// confirm returns nil when the operator agreed or yes was passed.
func confirm(yes bool, format string, args ...any) error {
	if yes {
		return nil
	}
	ok, err := askConfirm(fmt.Sprintf(format, args...))
	if err != nil {
		return err
	}
	if !ok {
		return errNotConfirmed
	}
	return nil
}

// parseMeta turns repeated k=v flags into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q: expected key=value", p)
		}
		meta[k] = strings.TrimSpace(v)
	}
	return meta, nil
}

// waitFlag resolves a --wait value in seconds, falling back to the
// configured lock.wait when the flag was not given.
func waitFlag(seconds int, changed bool) time.Duration {
	if !changed {
		return cfg.LockWait
	}
	return time.Duration(seconds) * time.Second
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
