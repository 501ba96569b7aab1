package model

import "time"

// Summary is the per-message listing data returned by a mailbox source.
type Summary struct {
	UID          uint32
	MessageID    string
	InternalDate time.Time
	Size         int64
}

// Checkpoint is the last UID of a folder proven to be durably archived,
// valid only while the folder's UIDValidity is unchanged.
type Checkpoint struct {
	Folder      string
	LastUID     uint32
	UIDValidity uint32
	UpdatedAt   time.Time
}

// Record marks a normalized identity as archived. Records are never updated.
type Record struct {
	Identity   string
	Folder     string
	ImportedAt time.Time
}

// Sidecar is the metadata stored next to every archived message file.
type Sidecar struct {
	Identity       string    `json:"identity"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Date           time.Time `json:"date"`
	Folder         string    `json:"folder"`
	ArchivedAt     time.Time `json:"archived_at"`
	HasAttachments bool      `json:"has_attachments"`
	UID            uint32    `json:"uid,omitempty"`
	UIDValidity    uint32    `json:"uid_validity,omitempty"`
	Size           int64     `json:"size"`
	Filename       string    `json:"filename"`
}

// Record converts the sidecar into the index record it proves.
func (s Sidecar) Record() Record {
	importedAt := s.ArchivedAt
	if importedAt.IsZero() {
		importedAt = time.Now().UTC()
	}
	return Record{Identity: s.Identity, Folder: s.Folder, ImportedAt: importedAt}
}
