package domain

import (
	"time"

	"github.com/google/uuid"
)

// RequestCause records why a staffing request was created.
type RequestCause string

// Staffing request causes.
const (
	CauseAutostaff RequestCause = "autostaff"
	CauseManual    RequestCause = "manual"
)

// CommunicationMethod is how an inquiry reached its worker.
type CommunicationMethod string

// Communication methods.
const (
	CommunicationEmail             CommunicationMethod = "email"
	CommunicationSlack             CommunicationMethod = "slack"
	CommunicationPreviouslyOptedIn CommunicationMethod = "previously_opted_in"
)

// InquiryStatus is the state of one worker's offer.
type InquiryStatus string

// Inquiry statuses. SENT is the only non-final status.
const (
	InquirySent     InquiryStatus = "sent"
	InquiryAccepted InquiryStatus = "accepted"
	InquiryRejected InquiryStatus = "rejected"
	InquiryExpired  InquiryStatus = "expired"
)

// IsFinal reports whether the inquiry has been resolved.
func (s InquiryStatus) IsFinal() bool { return s != InquirySent }

// StaffingRequestStatus tracks whether a request still accepts a winner.
type StaffingRequestStatus string

// Staffing request statuses.
const (
	RequestOpen   StaffingRequestStatus = "open"
	RequestClosed StaffingRequestStatus = "closed"
)

// StaffingRequest offers one tier of a task to a pool of workers.
type StaffingRequest struct {
	ID              string                `json:"id"`
	TaskID          string                `json:"task_id"`
	RequiredRole    Role                  `json:"required_role"`
	Cause           RequestCause          `json:"cause"`
	Status          StaffingRequestStatus `json:"status"`
	WinnerInquiryID string                `json:"winner_inquiry_id,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	ClosedAt        *time.Time            `json:"closed_at,omitempty"`
}

// NewStaffingRequest creates an open request.
func NewStaffingRequest(taskID string, role Role, cause RequestCause, now time.Time) *StaffingRequest {
	return &StaffingRequest{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		RequiredRole: role,
		Cause:        cause,
		Status:       RequestOpen,
		CreatedAt:    now,
	}
}

// IsResolved reports whether a winner was recorded.
func (r *StaffingRequest) IsResolved() bool { return r.WinnerInquiryID != "" }

// Close marks the request closed, recording winnerID when not empty.
func (r *StaffingRequest) Close(winnerID string, now time.Time) {
	r.Status = RequestClosed
	if winnerID != "" {
		r.WinnerInquiryID = winnerID
	}
	r.ClosedAt = &now
}

// Clone returns a copy of the request.
func (r *StaffingRequest) Clone() *StaffingRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.ClosedAt != nil {
		at := *r.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

// StaffingRequestInquiry is the per-worker record of a staffing request.
type StaffingRequestInquiry struct {
	ID                  string              `json:"id"`
	RequestID           string              `json:"request_id"`
	WorkerID            string              `json:"worker_id"`
	CommunicationMethod CommunicationMethod `json:"communication_method"`
	Status              InquiryStatus       `json:"status"`
	CreatedAt           time.Time           `json:"created_at"`
	RespondedAt         *time.Time          `json:"responded_at,omitempty"`
}

// NewInquiry creates a SENT inquiry for workerID.
func NewInquiry(requestID, workerID string, method CommunicationMethod, now time.Time) *StaffingRequestInquiry {
	return &StaffingRequestInquiry{
		ID:                  uuid.NewString(),
		RequestID:           requestID,
		WorkerID:            workerID,
		CommunicationMethod: method,
		Status:              InquirySent,
		CreatedAt:           now,
	}
}

// Resolve sets a final status.
func (i *StaffingRequestInquiry) Resolve(status InquiryStatus, now time.Time) {
	i.Status = status
	i.RespondedAt = &now
}

// Clone returns a copy of the inquiry.
func (i *StaffingRequestInquiry) Clone() *StaffingRequestInquiry {
	if i == nil {
		return nil
	}
	c := *i
	if i.RespondedAt != nil {
		at := *i.RespondedAt
		c.RespondedAt = &at
	}
	return &c
}
