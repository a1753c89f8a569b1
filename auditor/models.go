package auditor

// FileKind distinguishes the two document lists a session carries.
type FileKind string

const (
	KindReference FileKind = "reference"
	KindTarget    FileKind = "target"
)

// FileStatus is the upload lifecycle state of a registered file.
// Transitions are one-directional: pending -> uploading -> uploaded | failed.
// A failed record is terminal; callers retry by registering a new record.
type FileStatus string

const (
	StatusPending   FileStatus = "pending"
	StatusUploading FileStatus = "uploading"
	StatusUploaded  FileStatus = "uploaded"
	StatusFailed    FileStatus = "failed"
)

// FileRecord is one document attached to a session. URI is non-empty iff
// status is uploaded; LocalPath is present only while the bytes still live
// on local disk (pending/uploading/failed).
type FileRecord struct {
	Name         string     `json:"name"`
	URI          string     `json:"uri"`
	Kind         FileKind   `json:"type"`
	Status       FileStatus `json:"status"`
	LocalPath    string     `json:"local_path,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Terminal reports whether the record has left the in-flight states.
func (f FileRecord) Terminal() bool {
	return f.Status == StatusUploaded || f.Status == StatusFailed
}

func (f FileRecord) markUploading() FileRecord {
	f.Status = StatusUploading
	f.ErrorMessage = ""
	return f
}

func (f FileRecord) markUploaded(uri string) FileRecord {
	f.Status = StatusUploaded
	f.URI = uri
	f.LocalPath = ""
	f.ErrorMessage = ""
	return f
}

func (f FileRecord) markFailed(err error) FileRecord {
	f.Status = StatusFailed
	f.URI = ""
	f.ErrorMessage = err.Error()
	return f
}

// ChatTurn is one prior conversation turn kept on the session.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the full persisted document for one session id.
type Session struct {
	Reference []FileRecord `json:"reference"`
	Target    []FileRecord `json:"target"`
	Summary   string       `json:"summary,omitempty"`
	History   []ChatTurn   `json:"history,omitempty"`
}

// Files returns the list for one kind.
func (s Session) Files(kind FileKind) []FileRecord {
	if kind == KindTarget {
		return s.Target
	}
	return s.Reference
}

// AuditRule is one criterion derived from the reference documents (stage 1
// output). Severity is High, Medium or Low.
type AuditRule struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// FindingStatus classifies one checked rule against one target document.
type FindingStatus string

const (
	FindingPass    FindingStatus = "pass"
	FindingFail    FindingStatus = "fail"
	FindingWarning FindingStatus = "warning"
)

// Finding is one rule-vs-target result (stage 2 output). FileName tags the
// target document the evidence was quoted from.
type Finding struct {
	RuleID      string        `json:"rule_id"`
	Description string        `json:"description"`
	Status      FindingStatus `json:"status"`
	Evidence    string        `json:"evidence"`
	FileName    string        `json:"file_name"`
}
