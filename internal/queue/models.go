package queue

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Status represents the lifecycle of a queued job.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusExtracting   Status = "extracting"
	StatusInstalling   Status = "installing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
	StatusInstallError Status = "install_error"
)

var allStatuses = []Status{
	StatusQueued,
	StatusDownloading,
	StatusExtracting,
	StatusInstalling,
	StatusCompleted,
	StatusError,
	StatusCancelled,
	StatusInstallError,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// activeStatuses occupy the single pipeline slot.
var activeStatuses = map[Status]struct{}{
	StatusDownloading: {},
	StatusExtracting:  {},
	StatusInstalling:  {},
}

// allowedTransitions describes the legal status graph. A missing entry means
// the status is terminal except for the transitions listed elsewhere.
var allowedTransitions = map[Status][]Status{
	StatusQueued:       {StatusDownloading, StatusCancelled, StatusError},
	StatusDownloading:  {StatusExtracting, StatusCompleted, StatusCancelled, StatusError, StatusQueued},
	StatusExtracting:   {StatusCompleted, StatusCancelled, StatusError, StatusQueued},
	StatusInstalling:   {StatusCompleted, StatusInstallError, StatusCancelled},
	StatusCompleted:    {StatusInstalling},
	StatusError:        {StatusQueued},
	StatusCancelled:    {StatusQueued},
	StatusInstallError: {StatusQueued, StatusInstalling},
}

// Job represents one queue entry tracked through download, extraction and
// on-demand install.
type Job struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"displayName"`
	PackageName     string    `json:"packageName"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	ExtractProgress *int      `json:"extractProgress,omitempty"`
	ErrorMessage    string    `json:"error,omitempty"`
	Speed           string    `json:"speed,omitempty"`
	ETA             string    `json:"eta,omitempty"`
	PID             int       `json:"pid,omitempty"`
	LocalPath       string    `json:"localPath,omitempty"`
	AddedAt         time.Time `json:"addedAt"`
}

// NewJob builds a queued job keyed by the release identifier.
func NewJob(releaseName, packageName string) *Job {
	release := strings.TrimSpace(releaseName)
	return &Job{
		ID:          release,
		DisplayName: DeriveDisplayName(release),
		PackageName: strings.TrimSpace(packageName),
		Status:      StatusQueued,
		AddedAt:     time.Now().UTC(),
	}
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsActive reports whether the job currently occupies the pipeline slot.
func (j Job) IsActive() bool {
	_, ok := activeStatuses[j.Status]
	return ok
}

// IsActiveStatus reports whether a status occupies the pipeline slot.
func IsActiveStatus(status Status) bool {
	_, ok := activeStatuses[status]
	return ok
}

// CanRetry reports whether the job may be re-queued by the user.
func (j Job) CanRetry() bool {
	return j.Status == StatusCancelled || j.Status == StatusError
}

// ValidTransition reports whether moving from one status to another is legal.
// Same-status writes are always allowed so progress updates pass through.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SetExtractProgress records extraction progress, clamped to [0,100].
func (j *Job) SetExtractProgress(percent int) {
	clamped := clampPercent(percent)
	j.ExtractProgress = &clamped
}

// SetFailed marks the job as failed with the given error message.
func (j *Job) SetFailed(message string) {
	j.Status = StatusError
	j.ErrorMessage = message
	j.Speed = ""
	j.ETA = ""
	j.PID = 0
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

var displayCaser = cases.Title(language.English)

// DeriveDisplayName renders a release identifier as a human readable title.
// Separator runes become spaces and words are title-cased; version tokens
// keep their dots and casing.
func DeriveDisplayName(releaseName string) string {
	cleaned := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(releaseName))
	var words []string
	for _, field := range strings.Fields(cleaned) {
		words = append(words, splitDotted(field)...)
	}
	for i, word := range words {
		if looksLikeVersion(word) {
			continue
		}
		words[i] = displayCaser.String(word)
	}
	return strings.Join(words, " ")
}

// splitDotted breaks a dotted token into words while re-joining the dotted
// tail of a version token, so "name.v1.2.0" yields ["name", "v1.2.0"].
func splitDotted(token string) []string {
	parts := strings.Split(token, ".")
	var out []string
	for i := 0; i < len(parts); {
		part := parts[i]
		if part == "" {
			i++
			continue
		}
		if looksLikeVersion(part) {
			version := part
			j := i + 1
			for j < len(parts) && allDigits(parts[j]) {
				version += "." + parts[j]
				j++
			}
			out = append(out, version)
			i = j
			continue
		}
		out = append(out, part)
		i++
	}
	return out
}

func allDigits(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func looksLikeVersion(token string) bool {
	if len(token) < 2 {
		return false
	}
	if token[0] != 'v' && token[0] != 'V' {
		return false
	}
	for _, r := range token[1:] {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
