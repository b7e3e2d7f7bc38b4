package regwatch

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkNotFound is returned when the source page has no link to a
	// register document.
	ErrLinkNotFound = errors.New("regwatch: no register document link on source page")

	// ErrInvalidResourceURL is returned when the configured source page URL
	// has no usable scheme and host. It is the only fatal configuration
	// error.
	ErrInvalidResourceURL = errors.New("regwatch: invalid resource URL")

	// ErrMalformedRegister is wrapped by every structural parse failure.
	ErrMalformedRegister = errors.New("regwatch: malformed register document")

	// ErrNoSnapshot is returned by a cold load that completed without
	// producing a snapshot.
	ErrNoSnapshot = errors.New("regwatch: no snapshot available")
)

// Stage names the step of a refresh cycle an error came from.
type Stage string

const (
	StageLocate Stage = "locate"
	StageFetch  Stage = "fetch"
	StageParse  Stage = "parse"
	StageNotify Stage = "notify"
)

// StageError attaches the failing stage and the URL being worked on to an
// error. Locate, fetch and parse errors abort a cycle; notify errors never do.
type StageError struct {
	Stage Stage
	URL   string
	Err   error
}

func (e *StageError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded in err, if any.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// stageErr wraps err unless it already carries a stage.
func stageErr(stage Stage, url string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := StageOf(err); ok {
		return err
	}
	return &StageError{Stage: stage, URL: url, Err: err}
}
