// Package clipboard copies scene descriptions to the system clipboard.
package clipboard

import (
	"errors"

	cb "github.com/atotto/clipboard"
)

var ErrUnsupported = errors.New("no clipboard utility found (install xclip, xsel or wl-clipboard)")

func Available() bool {
	return !cb.Unsupported
}

func Copy(text string) error {
	if cb.Unsupported {
		return ErrUnsupported
	}
	return cb.WriteAll(text)
}

func Read() (string, error) {
	if cb.Unsupported {
		return "", ErrUnsupported
	}
	return cb.ReadAll()
}
