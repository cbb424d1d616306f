package service

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"path"
	"slices"
	"strings"
)

// contentTypes lists the media types accepted for each extension.
// Extensions allowed by configuration but missing here accept any type.
var contentTypes = map[string][]string{
	"csv":  {"text/csv", "application/csv", "text/plain", "application/vnd.ms-excel"},
	"json": {"application/json", "text/json"},
	"xml":  {"application/xml", "text/xml"},
	"txt":  {"text/plain"},
	"pdf":  {"application/pdf"},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	"xls":  {"application/vnd.ms-excel"},
	"docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	"doc":  {"application/msword"},
	"zip":  {"application/zip", "application/x-zip-compressed"},
}

const maxFilenameLength = 255

// RequestInput is what a client declares when asking for an upload slot.
type RequestInput struct {
	Filename     string
	ContentType  string
	Size         int64
	ContactName  string
	ContactEmail string
	Company      string
	Description  string
}

// validateRequest checks the declared file against the allow-list and size
// limit. It returns the sanitized filename and normalized media type.
func (s *IntakeService) validateRequest(in RequestInput) (string, string, error) {
	var errs []error

	name := sanitizeFilename(in.Filename)
	ext := extension(name)
	switch {
	case name == "":
		errs = append(errs, &ValidationError{Field: "filename", Reason: "filename is required"})
	case ext == "":
		errs = append(errs, &ValidationError{Field: "filename", Reason: "filename has no extension"})
	case !slices.Contains(s.cfg.AllowedExtensions, ext):
		errs = append(errs, &ValidationError{
			Field:  "filename",
			Reason: fmt.Sprintf("file type .%s is not allowed", ext),
		})
	}

	switch {
	case in.Size <= 0:
		errs = append(errs, &ValidationError{Field: "size", Reason: "size must be a positive number of bytes"})
	case in.Size > s.cfg.MaxUploadSize:
		errs = append(errs, &ValidationError{
			Field:  "size",
			Reason: fmt.Sprintf("file exceeds the maximum size of %d MB", s.cfg.MaxUploadSizeMB()),
		})
	}

	mediaType, err := normalizeContentType(in.ContentType)
	if err != nil {
		errs = append(errs, &ValidationError{Field: "content_type", Reason: err.Error()})
	} else if ext != "" && !contentTypeMatches(ext, mediaType) {
		errs = append(errs, &ValidationError{
			Field:  "content_type",
			Reason: fmt.Sprintf("content type %s does not match a .%s file", mediaType, ext),
		})
	}

	if in.ContactEmail != "" {
		if _, err := mail.ParseAddress(in.ContactEmail); err != nil {
			errs = append(errs, &ValidationError{Field: "email", Reason: "email address is invalid"})
		}
	}

	return name, mediaType, errors.Join(errs...)
}

func normalizeContentType(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("content type is required")
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", errors.New("content type is malformed")
	}
	return mediaType, nil
}

func contentTypeMatches(ext, mediaType string) bool {
	allowed, ok := contentTypes[ext]
	if !ok {
		return true
	}
	return slices.Contains(allowed, mediaType)
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}

// sanitizeFilename strips directory components and any character outside
// a conservative set, so the result is safe inside an object key.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes before taking the base name.
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))

	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)

	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.TrimLeft(name, ".")

	if len(name) > maxFilenameLength {
		ext := path.Ext(name)
		if len(ext) >= maxFilenameLength {
			return name[:maxFilenameLength]
		}
		name = name[:maxFilenameLength-len(ext)] + ext
	}

	return name
}
