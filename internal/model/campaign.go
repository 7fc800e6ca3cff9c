// internal/model/campaign.go
package model

// Campaign is one dispatch invocation. It is carried inside a job payload
// and never persisted.
type Campaign struct {
	ID                   string       `json:"id"`
	UserID               int64        `json:"user_id"`
	Recipients           []*Recipient `json:"recipients"`
	SubjectTemplate      string       `json:"subject_template"`
	BodyTemplate         string       `json:"body_template"`
	GlobalAttachments    []Attachment `json:"global_attachments,omitempty"`
	SameAttachmentForAll bool         `json:"same_attachment_for_all"`
	// SenderID selects a profile; empty means the system default.
	SenderID string `json:"sender_id,omitempty"`
}

// DispatchJob is the payload published on the campaign queue.
type DispatchJob struct {
	JobID    string   `json:"job_id"`
	Campaign Campaign `json:"campaign"`
}

// RetryJob re-sends one delivery log entry after an operator reset.
type RetryJob struct {
	EntryID int64 `json:"entry_id"`
	UserID  int64 `json:"user_id"`
}

// CampaignSummary is emitted once a dispatch run completes.
type CampaignSummary struct {
	JobID     string `json:"job_id"`
	Attempted int    `json:"attempted"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}
