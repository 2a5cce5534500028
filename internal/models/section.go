package models

import "time"

type SectionStatus string

const (
	SectionNotStarted SectionStatus = "NOT_STARTED"
	SectionInProgress SectionStatus = "IN_PROGRESS"
	SectionCompleted  SectionStatus = "COMPLETED"
)

// ValidationError is an informational hint attached to a section.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Section is one of the ten fixed topic blocks of an application.
type Section struct {
	ID                   string            `json:"id"`
	ApplicationID        string            `json:"applicationId"`
	SectionNumber        int               `json:"sectionNumber"`
	Title                string            `json:"title"`
	Data                 Data              `json:"data"`
	ObservedKeys         []string          `json:"observedKeys"`
	Status               SectionStatus     `json:"status"`
	CompletionPercentage int               `json:"completionPercentage"`
	ValidationErrors     []ValidationError `json:"validationErrors"`
	CompletedBy          string            `json:"completedBy,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	ReviewedBy           string            `json:"reviewedBy,omitempty"`
	ReviewedAt           *time.Time        `json:"reviewedAt,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	Version              int64             `json:"version"`
}

// Clone returns a deep copy of s.
func (s *Section) Clone() *Section {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Data = s.Data.Clone()
	cp.ObservedKeys = append([]string(nil), s.ObservedKeys...)
	cp.ValidationErrors = append([]ValidationError(nil), s.ValidationErrors...)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	cp.ReviewedAt = cloneTime(s.ReviewedAt)
	return &cp
}
