// internal/model/recipient.go
package model

import (
	"encoding/json"
	"strings"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
)

// Reserved recipient variable names.
const (
	FieldEmail       = "email"
	FieldAttachments = "attachments"
	FieldCc          = "cc"
)

// Variable is a single name/value pair of a recipient.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CcEntry is a validated carbon-copy address.
type CcEntry struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Recipient is one addressee with its personalization variables.
// Variables keep the order in which they were first set, which after
// ingestion is the CSV header order.
type Recipient struct {
	keys   []string
	values map[string]string

	// RawAttachments and RawCc are the comma-split reserved columns.
	RawAttachments []string
	RawCc          []string

	// Filled by the attachment resolver, never exposed to templates.
	ResolvedAttachments []Attachment
	ResolvedCc          []CcEntry
}

// NewRecipient builds a recipient from ordered variables. A later variable
// with the same name overwrites the earlier value but keeps its position.
// The email variable must be present and non-blank.
func NewRecipient(vars []Variable) (*Recipient, error) {
	r := &Recipient{values: make(map[string]string, len(vars))}
	for _, v := range vars {
		r.Set(v.Name, v.Value)
	}
	if r.Email() == "" {
		return nil, appErrors.ErrMissingEmail
	}
	r.RawAttachments = SplitList(r.values[FieldAttachments])
	r.RawCc = SplitList(r.values[FieldCc])
	return r, nil
}

// Set assigns a variable, appending the name if it is new.
func (r *Recipient) Set(name, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = value
}

// Get returns a variable value.
func (r *Recipient) Get(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Email returns the trimmed email variable.
func (r *Recipient) Email() string {
	return strings.TrimSpace(r.values[FieldEmail])
}

// Keys returns variable names in order.
func (r *Recipient) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Variables returns the ordered variable list.
func (r *Recipient) Variables() []Variable {
	out := make([]Variable, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, Variable{Name: k, Value: r.values[k]})
	}
	return out
}

// Map returns a copy of the variables as a map, used for log snapshots.
func (r *Recipient) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

type recipientJSON struct {
	Variables           []Variable   `json:"variables"`
	RawAttachments      []string     `json:"raw_attachments,omitempty"`
	RawCc               []string     `json:"raw_cc,omitempty"`
	ResolvedAttachments []Attachment `json:"resolved_attachments,omitempty"`
	ResolvedCc          []CcEntry    `json:"resolved_cc,omitempty"`
}

func (r *Recipient) MarshalJSON() ([]byte, error) {
	return json.Marshal(recipientJSON{
		Variables:           r.Variables(),
		RawAttachments:      r.RawAttachments,
		RawCc:               r.RawCc,
		ResolvedAttachments: r.ResolvedAttachments,
		ResolvedCc:          r.ResolvedCc,
	})
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var raw recipientJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Recipient{values: make(map[string]string, len(raw.Variables))}
	for _, v := range raw.Variables {
		r.Set(v.Name, v.Value)
	}
	r.RawAttachments = raw.RawAttachments
	r.RawCc = raw.RawCc
	r.ResolvedAttachments = raw.ResolvedAttachments
	r.ResolvedCc = raw.ResolvedCc
	return nil
}

// SplitList splits a comma-separated value into trimmed, non-empty segments.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
