// Package codec converts luminaria captures between their in-memory form,
// the queue's stored form and the multipart parts sent to the blob endpoint.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/luminarias/fieldsync/internal/model"
)

// Fields are the scalar values of a capture.
type Fields struct {
	ColoniaID      *int64
	PoleNumber     string
	Watts          int
	Latitude       float64
	Longitude      float64
	PhotocellIsNew bool
}

// Image is one photo stream as handed over by the capture surface.
// ContentType may be empty, in which case it is sniffed from the data.
type Image struct {
	Reader      io.Reader
	ContentType string
}

// FromReaders reads the three photo streams fully and returns the capture
// ready for enqueueing. Any unreadable or empty stream fails the whole
// capture with model.ErrCodec, so nothing partial ever reaches the queue.
func FromReaders(f Fields, full, watts, photocell Image) (model.Capture, error) {
	var payloads [3]model.Payload
	for i, img := range [3]Image{full, watts, photocell} {
		p, err := ReadPayload(img)
		if err != nil {
			return model.Capture{}, fmt.Errorf("%w: photo %s: %w", model.ErrCodec, model.Roles[i], err)
		}
		payloads[i] = p
	}
	return model.Capture{
		ColoniaID:      f.ColoniaID,
		PoleNumber:     f.PoleNumber,
		Watts:          f.Watts,
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		PhotoFull:      payloads[0],
		PhotoWatts:     payloads[1],
		PhotoPhotocell: payloads[2],
		PhotocellIsNew: f.PhotocellIsNew,
	}, nil
}

// ReadPayload drains img into a Payload.
func ReadPayload(img Image) (model.Payload, error) {
	if img.Reader == nil {
		return model.Payload{}, errors.New("missing image")
	}
	data, err := io.ReadAll(img.Reader)
	if err != nil {
		return model.Payload{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return model.Payload{}, errors.New("empty image")
	}
	ct := img.ContentType
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return model.Payload{Data: data, ContentType: normaliseType(ct)}, nil
}

// Part is the upload-ready form of one photo.
type Part struct {
	Role        model.Role
	FileName    string
	ContentType string
	Data        []byte
}

// Reader returns a fresh reader over the part's bytes.
func (p Part) Reader() io.Reader { return bytes.NewReader(p.Data) }

// Size returns the part length in bytes.
func (p Part) Size() int64 { return int64(len(p.Data)) }

// UploadParts decodes the stored photos of sub into upload parts, ordered
// full, watts, photocell.
func UploadParts(sub *model.PendingSubmission) ([3]Part, error) {
	var parts [3]Part
	for i, role := range model.Roles {
		p := sub.Photo(role)
		if len(p.Data) == 0 {
			return parts, fmt.Errorf("%w: submission %d has no %s photo", model.ErrCodec, sub.ID, role)
		}
		parts[i] = Part{
			Role:        role,
			FileName:    FileName(sub.PoleNumber, role, p.ContentType),
			ContentType: p.ContentType,
			Data:        p.Data,
		}
	}
	return parts, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName derives the upload filename from the pole number and role.
func FileName(poleNumber string, role model.Role, contentType string) string {
	base := unsafeChars.ReplaceAllString(strings.TrimSpace(poleNumber), "-")
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "sin-poste"
	}
	return fmt.Sprintf("%s_%s%s", base, role, Extension(contentType))
}

// Extension maps an image content type onto a file extension.
func Extension(contentType string) string {
	switch normaliseType(contentType) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

func normaliseType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "image/jpg" {
		return "image/jpeg"
	}
	return ct
}
