package model

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeAttachment fills the fields a renderer relies on: an id, a
// preview URL and a media kind.
func NormalizeAttachment(a Attachment) Attachment {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.PreviewURL == "" {
		a.PreviewURL = a.URL
	}
	if a.Kind == "" {
		a.Kind = KindFromMime(a.MimeType)
	}
	return a
}

// NormalizeAttachments normalizes every attachment and drops entries
// without a source URL.
func NormalizeAttachments(in []Attachment) []Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a.URL == "" && a.StoragePath == "" {
			continue
		}
		out = append(out, NormalizeAttachment(a))
	}
	return out
}

// KindFromMime maps a mime type to an attachment kind.
func KindFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// UnknownUser is shown when a profile carries no usable name.
const UnknownUser = "Unknown user"

// DisplayName resolves a human-readable name using the fallback chain
// full name -> first + last name -> email -> UnknownUser.
func DisplayName(fullName, firstName, lastName, email string) string {
	if n := strings.TrimSpace(fullName); n != "" {
		return n
	}
	if n := strings.TrimSpace(strings.TrimSpace(firstName) + " " + strings.TrimSpace(lastName)); n != "" {
		return n
	}
	if e := strings.TrimSpace(email); e != "" {
		return e
	}
	return UnknownUser
}
