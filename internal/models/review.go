package models

import (
	"fmt"
	"strings"
	"time"
)

type ReviewAction string

const (
	ActionStartReview ReviewAction = "START_REVIEW"
	ActionIssueQuery  ReviewAction = "ISSUE_QUERY"
	ActionApprove     ReviewAction = "APPROVE"
	ActionReject      ReviewAction = "REJECT"
)

// ParseReviewAction accepts both the wire form (startReview) and the stored form (START_REVIEW).
func ParseReviewAction(s string) (ReviewAction, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "startreview":
		return ActionStartReview, nil
	case "issuequery":
		return ActionIssueQuery, nil
	case "approve":
		return ActionApprove, nil
	case "reject":
		return ActionReject, nil
	}
	return "", fmt.Errorf("unknown review action %q", s)
}

type RiskRating string

const (
	RiskLow    RiskRating = "LOW"
	RiskMedium RiskRating = "MEDIUM"
	RiskHigh   RiskRating = "HIGH"
)

func (r RiskRating) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// ReviewDecision is an immutable record of one review action.
type ReviewDecision struct {
	ID              string       `json:"id"`
	ApplicationID   string       `json:"applicationId"`
	Action          ReviewAction `json:"action"`
	ReviewerID      string       `json:"reviewerId"`
	Comment         string       `json:"comment"`
	RiskRating      RiskRating   `json:"riskRating,omitempty"`
	ComplianceScore *int         `json:"complianceScore,omitempty"`
	FromStatus      Status       `json:"fromStatus"`
	ToStatus        Status       `json:"toStatus"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Comment is an immutable note on an application or one of its sections.
type Comment struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"applicationId"`
	SectionID     string    `json:"sectionId,omitempty"`
	AuthorID      string    `json:"authorId"`
	AuthorRole    Role      `json:"authorRole"`
	Content       string    `json:"content"`
	IsInternal    bool      `json:"isInternal"`
	CreatedAt     time.Time `json:"createdAt"`
}
