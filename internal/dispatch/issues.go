package dispatch

import (
	"sort"
	"sync"
	"time"
)

// IssueSeverity classifies a repair issue.
type IssueSeverity string

const (
	// SeverityWarning marks issues that degrade service but need no action.
	SeverityWarning IssueSeverity = "warning"
	// SeverityError marks issues that require operator intervention.
	SeverityError IssueSeverity = "error"
)

// Issue is a persistent, user-visible problem report.
type Issue struct {
	ID        string        `json:"id"`
	Severity  IssueSeverity `json:"severity"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// IssueRegistry records repair issues, standing in for the host platform's
// repair-issue registry. Creation is idempotent per issue id.
type IssueRegistry struct {
	mutex  sync.Mutex
	issues map[string]Issue
	now    func() time.Time
}

// NewIssueRegistry constructs an empty IssueRegistry.
func NewIssueRegistry() *IssueRegistry {
	return &IssueRegistry{issues: map[string]Issue{}, now: time.Now}
}

// Create records an issue. A second create with the same id is a no-op and
// returns false.
func (registry *IssueRegistry) Create(issueID string, severity IssueSeverity, message string) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if _, exists := registry.issues[issueID]; exists {
		return false
	}
	registry.issues[issueID] = Issue{
		ID:        issueID,
		Severity:  severity,
		Message:   message,
		CreatedAt: registry.now().UTC(),
	}
	return true
}

// Delete removes an issue if present.
func (registry *IssueRegistry) Delete(issueID string) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	delete(registry.issues, issueID)
}

// Has reports whether an issue with the given id exists.
func (registry *IssueRegistry) Has(issueID string) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	_, exists := registry.issues[issueID]
	return exists
}

// List returns all issues ordered by id.
func (registry *IssueRegistry) List() []Issue {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	issues := make([]Issue, 0, len(registry.issues))
	for _, issue := range registry.issues {
		issues = append(issues, issue)
	}
	sort.Slice(issues, func(left int, right int) bool {
		return issues[left].ID < issues[right].ID
	})
	return issues
}
