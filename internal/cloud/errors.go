package cloud

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrDocNotFound is returned by Get for unknown documents.
var ErrDocNotFound = errors.New("document not found")

// IndexMissingError is the structural query-layer failure: the scan
// needs a composite index that has not been created. It is terminal for
// the collection's migration pass and must never be auto-retried.
type IndexMissingError struct {
	Collection string
	OwnerID    string
	Index      string
	Err        error
}

func (e *IndexMissingError) Error() string {
	return fmt.Sprintf("missing index %q for collection %q: %v", e.Index, e.Collection, e.Err)
}

func (e *IndexMissingError) Unwrap() error {
	return e.Err
}

// ConsoleURL returns the remediation link for creating the index, or ""
// when no console base is configured.
func (e *IndexMissingError) ConsoleURL(consoleBase string) string {
	if consoleBase == "" || e.Index == "" {
		return ""
	}
	return strings.TrimRight(consoleBase, "/") + "/indexes?create=" + url.QueryEscape(e.Index)
}

// IsIndexMissing reports whether err is (or wraps) an IndexMissingError,
// returning the typed error for payload extraction.
func IsIndexMissing(err error) (*IndexMissingError, bool) {
	var ime *IndexMissingError
	if errors.As(err, &ime) {
		return ime, true
	}
	return nil, false
}

// classifyQueryError inspects a driver error from an owner-scoped scan
// and promotes missing-index failures to the typed error. SQLite and
// libsql both report "no such index" when a query names an index that
// does not exist.
func classifyQueryError(err error, collection, ownerID, index string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "no such index") {
		return &IndexMissingError{
			Collection: collection,
			OwnerID:    ownerID,
			Index:      index,
			Err:        err,
		}
	}
	return err
}
