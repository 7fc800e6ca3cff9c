// internal/model/attachment.go
package model

// AttachmentOrigin tells where an attachment came from.
type AttachmentOrigin string

const (
	OriginUploaded         AttachmentOrigin = "uploaded"
	OriginCSVLocalPath     AttachmentOrigin = "csv_local_path"
	OriginCSVRemoteFetched AttachmentOrigin = "csv_remote_fetched"
)

// Attachment is a stored file addressable by its blob store path.
type Attachment struct {
	Path        string           `json:"path"`
	DisplayName string           `json:"display_name"`
	MimeType    string           `json:"mime_type"`
	SizeBytes   int64            `json:"size_bytes"`
	Origin      AttachmentOrigin `json:"origin"`
}
