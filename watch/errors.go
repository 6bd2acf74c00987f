package watch

import "errors"

var (
	ErrDuplicateWatcher  = errors.New("watch: watcher already registered on key")
	ErrWatcherNotFound   = errors.New("watch: watcher not found")
	ErrMalformedEncoding = errors.New("watch: malformed encoding")
	ErrEmptyKey          = errors.New("watch: empty key")
	ErrInvalidWatcher    = errors.New("watch: invalid watcher")
)
