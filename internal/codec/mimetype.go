package codec

import (
	"mime"
	"strings"
)

// DefaultMediaType is used when a file extension is unknown.
const DefaultMediaType = "application/octet-stream"

// mediaTypes covers common attachment extensions so lookups do not depend on
// the host's mime.types files.
var mediaTypes = map[string]string{
	"7z":   "application/x-7z-compressed",
	"avi":  "video/x-msvideo",
	"bmp":  "image/bmp",
	"csv":  "text/csv",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"eml":  "message/rfc822",
	"gif":  "image/gif",
	"gz":   "application/gzip",
	"htm":  "text/html",
	"html": "text/html",
	"ics":  "text/calendar",
	"jpe":  "image/jpeg",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"js":   "application/javascript",
	"json": "application/json",
	"mov":  "video/quicktime",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"odt":  "application/vnd.oasis.opendocument.text",
	"pdf":  "application/pdf",
	"png":  "image/png",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"rtf":  "application/rtf",
	"svg":  "image/svg+xml",
	"tar":  "application/x-tar",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"txt":  "text/plain",
	"wav":  "audio/wav",
	"webp": "image/webp",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"xml":  "application/xml",
	"zip":  "application/zip",
}

// MediaType resolves a media type from the filename extension, falling back
// to the system table and finally to DefaultMediaType.
func MediaType(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return DefaultMediaType
	}
	ext := strings.ToLower(strings.TrimSpace(filename[i+1:]))
	if ext == "" {
		return DefaultMediaType
	}

	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension("." + ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return DefaultMediaType
}
