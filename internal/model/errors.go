package model

import "errors"

// Failure classes. Concrete errors wrap one of these together with their
// cause, so callers can test the class with errors.Is and still reach the
// underlying error.
var (
	// ErrStorage means the local queue could not be opened, read or written.
	ErrStorage = errors.New("storage failure")
	// ErrCodec means an image payload could not be read into binary form.
	ErrCodec = errors.New("codec failure")
	// ErrUpload means at least one of the three image uploads failed.
	ErrUpload = errors.New("upload failure")
	// ErrRecordCreation means the images landed but the record request failed.
	ErrRecordCreation = errors.New("record creation failure")
	// ErrNotFound is returned by lookups of ids that are not in the queue.
	ErrNotFound = errors.New("submission not found")
)
