package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/gatekeeper"
	"github.com/ahrav/go-orchestra/internal/staffing"
	"github.com/ahrav/go-orchestra/internal/store"
)

type mockResponder struct {
	mock.Mock
}

func (m *mockResponder) HandleStaffingResponse(ctx context.Context, workerID, inquiryID string, accepted bool) (staffing.Result, error) {
	args := m.Called(ctx, workerID, inquiryID, accepted)
	return args.Get(0).(staffing.Result), args.Error(1)
}

func TestAccept_HeaderIdentity(t *testing.T) {
	r := new(mockResponder)
	r.On("HandleStaffingResponse", mock.Anything, "alice", "inq-1", true).
		Return(staffing.Result{IsWinner: true, Status: domain.InquiryAccepted}, nil)

	req := httptest.NewRequest(http.MethodPost, "/staffing/inquiries/inq-1/accept", nil)
	req.Header.Set(WorkerHeader, "alice")
	rec := httptest.NewRecorder()
	New(r).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got staffing.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.True(t, got.IsWinner)
	assert.Equal(t, domain.InquiryAccepted, got.Status)
	r.AssertExpectations(t)
}

func TestReject_QueryIdentity(t *testing.T) {
	r := new(mockResponder)
	r.On("HandleStaffingResponse", mock.Anything, "bob", "inq-2", false).
		Return(staffing.Result{Status: domain.InquiryRejected}, nil)

	rec := httptest.NewRecorder()
	New(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/staffing/inquiries/inq-2/reject?worker=bob", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	r.AssertExpectations(t)
}

func TestMissingWorker(t *testing.T) {
	r := new(mockResponder)
	rec := httptest.NewRecorder()
	New(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/staffing/inquiries/inq-1/accept", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	r.AssertNotCalled(t, "HandleStaffingResponse", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get inquiry: %w", store.ErrNotFound), http.StatusNotFound},
		{"invalid transition", &domain.TransitionError{TaskID: "t", From: domain.TaskAborted, To: domain.TaskProcessing}, http.StatusConflict},
		{"limit reached", gatekeeper.ErrAssignmentLimitReached, http.StatusConflict},
		{"not owned", staffing.ErrInquiryNotOwned, http.StatusBadRequest},
		{"not certified", staffing.ErrNotCertified, http.StatusBadRequest},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := new(mockResponder)
			r.On("HandleStaffingResponse", mock.Anything, "alice", "inq-1", true).Return(staffing.Result{}, tt.err)

			req := httptest.NewRequest(http.MethodPost, "/staffing/inquiries/inq-1/accept", nil)
			req.Header.Set(WorkerHeader, "alice")
			rec := httptest.NewRecorder()
			New(r).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	New(new(mockResponder)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownMethod(t *testing.T) {
	rec := httptest.NewRecorder()
	New(new(mockResponder)).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/staffing/inquiries/inq-1/accept", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
