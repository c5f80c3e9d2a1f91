// Package media resolves the MIME type, extension, and filename for relayed
// media. Declared types from the source platform are frequently wrong or
// generic, so content sniffing takes precedence when it produced anything
// useful.
package media

import (
	"fmt"
	"strings"
)

// Category is the kind of media a message slot expects.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
	CategoryFile  Category = "file"
)

// genericBinary is the "unknown binary" sentinel both sniffers and providers
// emit when they have no idea what the content is.
const genericBinary = "application/octet-stream"

// providerOpaqueTag is the content-provider tag LINE reports instead of a
// real MIME type for media hosted on its own CDN.
const providerOpaqueTag = "line"

// Descriptor is the resolved identity of one media item. Ephemeral; produced
// per inbound item and never persisted.
type Descriptor struct {
	MimeType  string
	Extension string
	Filename  string
}

var extensions = map[string]string{
	"image/jpeg":       "jpg",
	"image/png":        "png",
	"image/gif":        "gif",
	"image/webp":       "webp",
	"image/bmp":        "bmp",
	"image/tiff":       "tiff",
	"video/mp4":        "mp4",
	"video/quicktime":  "mov",
	"video/webm":       "webm",
	"video/x-msvideo":  "avi",
	"audio/mp4":        "m4a",
	"audio/x-m4a":      "m4a",
	"audio/mpeg":       "mp3",
	"audio/ogg":        "ogg",
	"audio/wav":        "wav",
	"audio/x-wav":      "wav",
	"audio/aac":        "aac",
	"application/pdf":  "pdf",
	"application/zip":  "zip",
	"application/json": "json",
	"text/plain":       "txt",
	"text/html":        "html",
	"text/csv":         "csv",
}

var categoryDefaults = map[Category]string{
	CategoryImage: "image/jpeg",
	CategoryVideo: "video/mp4",
	CategoryAudio: "audio/mp4",
	CategoryFile:  genericBinary,
}

// Resolve picks the canonical MIME type for a media item and derives its
// extension and generated filename. It never fails: arbitrary byte content
// resolves to the category default with a "bin" extension at worst.
//
// Precedence:
//  1. The sniffed type wins when present and informative (not the generic
//     binary sentinel, not the provider's opaque tag).
//  2. The declared type is used when present, informative, and its top-level
//     category matches the expected one ("file" accepts application/* and
//     text/*).
//  3. Otherwise the fixed default for the category.
func Resolve(declared, sniffed string, category Category, sourceMessageID string) Descriptor {
	mime := ""

	if s := normalize(sniffed); informative(s) {
		mime = s
	} else if d := normalize(declared); informative(d) && matchesCategory(d, category) {
		mime = d
	} else {
		mime = categoryDefaults[category]
		if mime == "" {
			mime = genericBinary
		}
	}

	ext, ok := extensions[mime]
	if !ok {
		ext = "bin"
	}

	return Descriptor{
		MimeType:  mime,
		Extension: ext,
		Filename:  fmt.Sprintf("%s_%s.%s", category, sourceMessageID, ext),
	}
}

// normalize lowercases a MIME type and strips any parameters
// ("image/png; charset=..." -> "image/png").
func normalize(mime string) string {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if idx := strings.IndexByte(mime, ';'); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	return mime
}

func informative(mime string) bool {
	return mime != "" && mime != genericBinary && mime != providerOpaqueTag
}

// matchesCategory reports whether a MIME type's top-level category fits the
// expected media category.
func matchesCategory(mime string, category Category) bool {
	top, _, ok := strings.Cut(mime, "/")
	if !ok {
		return false
	}
	switch category {
	case CategoryImage, CategoryVideo, CategoryAudio:
		return top == string(category)
	case CategoryFile:
		return top == "application" || top == "text"
	default:
		return false
	}
}

// Limits holds per-category upload ceilings in bytes. A zero ceiling means
// unlimited.
type Limits struct {
	Image int64
	Video int64
	Audio int64
	File  int64
}

// Within reports whether size fits the ceiling for the category. It is a pure
// check; callers decide whether to reject, recompress, or pass a URL through.
func (l Limits) Within(category Category, size int64) bool {
	var max int64
	switch category {
	case CategoryImage:
		max = l.Image
	case CategoryVideo:
		max = l.Video
	case CategoryAudio:
		max = l.Audio
	default:
		max = l.File
	}
	return max <= 0 || size <= max
}
