package staffing

import (
	"context"
	"time"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
)

// ExpireOpenRequests closes every open staffing request of a task and expires
// their SENT inquiries. It runs inside the caller's transaction whenever a
// task stops waiting for a worker: a staffed accept, a direct claim, or an
// abort.
func ExpireOpenRequests(ctx context.Context, tx store.Tx, taskID string, now time.Time) error {
	reqs, err := tx.ListStaffingRequests(ctx, taskID)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if r.Status == domain.RequestClosed {
			continue
		}
		inquiries, err := tx.ListInquiries(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, inq := range inquiries {
			if inq.Status.IsFinal() {
				continue
			}
			inq.Resolve(domain.InquiryExpired, now)
			if err := tx.UpdateInquiry(ctx, inq); err != nil {
				return err
			}
		}
		r.Close("", now)
		if err := tx.UpdateStaffingRequest(ctx, r); err != nil {
			return err
		}
	}
	return nil
}
