package partition

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Layout is the date format used for partition keys: YYYY-MM-DD
const Layout = "2006-01-02"

// ObjectSuffix is appended to every collection name to build the object name
const ObjectSuffix = ".json.gz"

// ErrParse is returned when a path does not start with a valid partition key
var ErrParse = errors.New("partition key parse error")

// ErrInvalidCollection is returned for collection names that cannot be
// stored as a single object directly under a partition
var ErrInvalidCollection = errors.New("invalid collection name")

// Key is a calendar date used as the path prefix for one backup cycle
type Key string

// ForTime returns the partition key for t, evaluated in loc.
// A nil location means t's own location.
func ForTime(t time.Time, loc *time.Location) Key {
	if loc != nil {
		t = t.In(loc)
	}
	return Key(t.Format(Layout))
}

// String implements fmt.Stringer
func (k Key) String() string {
	return string(k)
}

// Date returns the key as midnight of its date in loc
func (k Key) Date(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(Layout, string(k), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrParse, string(k), err)
	}
	return t, nil
}

// ObjectPath returns the path of the backup object for collection under this key
func (k Key) ObjectPath(collection string) string {
	return path.Join(string(k), collection+ObjectSuffix)
}

// ValidateCollections checks that every name is non-empty, holds no '/'
// and appears once.
func ValidateCollections(collections []string) error {
	seen := make(map[string]bool, len(collections))
	for _, name := range collections {
		switch {
		case name == "":
			return fmt.Errorf("%w: empty name", ErrInvalidCollection)
		case strings.Contains(name, "/"):
			return fmt.Errorf("%w: %q must not contain '/'", ErrInvalidCollection, name)
		case seen[name]:
			return fmt.Errorf("%w: %q listed more than once", ErrInvalidCollection, name)
		}
		seen[name] = true
	}
	return nil
}

// FromPath extracts the partition key from the first segment of an object path.
// Paths whose first segment is not a YYYY-MM-DD date fail with ErrParse.
func FromPath(objectPath string) (Key, error) {
	first, _, found := strings.Cut(strings.TrimPrefix(objectPath, "/"), "/")
	if !found || first == "" {
		return "", fmt.Errorf("%w: %q has no partition segment", ErrParse, objectPath)
	}

	key := Key(first)
	if _, err := key.Date(time.UTC); err != nil {
		return "", err
	}
	return key, nil
}

// Cutoff returns the oldest date that is still retained: midnight of
// now's date in loc minus retentionDays days.
func Cutoff(now time.Time, retentionDays int, loc *time.Location) time.Time {
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-retentionDays, 0, 0, 0, 0, loc)
}

// Expired reports whether the key's date is strictly before the cutoff
func (k Key) Expired(cutoff time.Time) (bool, error) {
	d, err := k.Date(cutoff.Location())
	if err != nil {
		return false, err
	}
	return d.Before(cutoff), nil
}
