// Package model contains simple struct definitions shared across packages.
package model

import "time"

// Role tags one of the three photos attached to a luminaria capture.
type Role string

const (
	RoleFull      Role = "full"
	RoleWatts     Role = "watts"
	RolePhotocell Role = "photocell"
)

// Roles lists the image roles in upload order.
var Roles = [3]Role{RoleFull, RoleWatts, RolePhotocell}

// ValidWatts is the closed set of lamp wattages the field forms offer.
var ValidWatts = []int{25, 40, 80}

// IsValidWatts reports whether w belongs to ValidWatts.
func IsValidWatts(w int) bool {
	for _, v := range ValidWatts {
		if v == w {
			return true
		}
	}
	return false
}

// Payload is a byte-exact binary image tagged with its content type. Once a
// Payload is stored in the queue it is never mutated.
type Payload struct {
	Data        []byte `json:"-"`
	ContentType string `json:"contentType"`
}

// Size returns the payload length in bytes.
func (p Payload) Size() int { return len(p.Data) }

// Capture is what a field form produces: every submission field except the
// ones the queue assigns.
type Capture struct {
	ColoniaID      *int64
	PoleNumber     string
	Watts          int
	Latitude       float64
	Longitude      float64
	PhotoFull      Payload
	PhotoWatts     Payload
	PhotoPhotocell Payload
	PhotocellIsNew bool
}

// PendingSubmission is a queued field capture awaiting remote
// materialization. Synced flips false to true exactly once.
type PendingSubmission struct {
	ID             int64   `json:"id"`
	ColoniaID      *int64  `json:"coloniaId"`
	PoleNumber     string  `json:"poleNumber"`
	Watts          int     `json:"watts"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	PhotoFull      Payload `json:"photoFull"`
	PhotoWatts     Payload `json:"photoWatts"`
	PhotoPhotocell Payload `json:"photoPhotocell"`
	PhotocellIsNew bool    `json:"photocellIsNew"`
	// CapturedAt is unix milliseconds.
	CapturedAt int64  `json:"capturedAt"`
	Synced     bool   `json:"synced"`
	LastError  string `json:"lastError,omitempty"`
}

// Photo returns the payload stored for role.
func (s *PendingSubmission) Photo(role Role) Payload {
	switch role {
	case RoleWatts:
		return s.PhotoWatts
	case RolePhotocell:
		return s.PhotoPhotocell
	default:
		return s.PhotoFull
	}
}

// CapturedTime returns CapturedAt as a time.Time.
func (s *PendingSubmission) CapturedTime() time.Time {
	return time.UnixMilli(s.CapturedAt)
}

// NewPending builds the queue entry for c captured at now. ID stays zero
// until the entry is persisted.
func NewPending(c Capture, now time.Time) *PendingSubmission {
	return &PendingSubmission{
		ColoniaID:      c.ColoniaID,
		PoleNumber:     c.PoleNumber,
		Watts:          c.Watts,
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
		PhotoFull:      clonePayload(c.PhotoFull),
		PhotoWatts:     clonePayload(c.PhotoWatts),
		PhotoPhotocell: clonePayload(c.PhotoPhotocell),
		PhotocellIsNew: c.PhotocellIsNew,
		CapturedAt:     now.UnixMilli(),
	}
}

// Clone returns a deep copy, photo bytes included.
func (s *PendingSubmission) Clone() *PendingSubmission {
	c := *s
	c.PhotoFull = clonePayload(s.PhotoFull)
	c.PhotoWatts = clonePayload(s.PhotoWatts)
	c.PhotoPhotocell = clonePayload(s.PhotoPhotocell)
	return &c
}

func clonePayload(p Payload) Payload {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return Payload{Data: data, ContentType: p.ContentType}
}

// Before orders submissions oldest capture first, ties broken by id. Callers
// that need a deterministic order over a queue snapshot sort with it.
func (s *PendingSubmission) Before(other *PendingSubmission) bool {
	if s.CapturedAt != other.CapturedAt {
		return s.CapturedAt < other.CapturedAt
	}
	return s.ID < other.ID
}
