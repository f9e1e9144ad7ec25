//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ahrav/go-orchestra/internal/domain"
	"github.com/ahrav/go-orchestra/internal/store"
)

// setupTestStore starts a Postgres container and returns a migrated Store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("orchestra_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	// Migrate is idempotent.
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p, err := domain.NewProject("wf", "v1", domain.TaskClassReal, map[string]any{"url": "x"}, now)
	require.NoError(t, err)
	task := domain.NewTask(p, &domain.Step{Slug: "write", IsHuman: true, RequiredCertifications: []string{"edit"}}, now)
	worker := &domain.Worker{
		ID:       "w1",
		Username: "ann",
		Certifications: []domain.WorkerCertification{
			{Certification: "edit", TaskClass: domain.TaskClassReal, Role: domain.RoleReviewer, GrantedAt: now},
		},
		CreatedAt: now,
	}

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateProject(ctx, p); err != nil {
			return err
		}
		if err := tx.SaveWorker(ctx, worker); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	}))

	t.Run("round trips records", func(t *testing.T) {
		gotP, err := s.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "x", gotP.ProjectData["url"])

		gotW, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		require.Len(t, gotW.Certifications, 1)
		assert.Equal(t, domain.RoleReviewer, gotW.Certifications[0].Role)

		gotT, err := s.GetTaskByStep(ctx, p.ID, "write")
		require.NoError(t, err)
		assert.Equal(t, []string{"edit"}, gotT.RequiredCertifications)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("assignments persist in order", func(t *testing.T) {
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.LockTask(ctx, task.ID)
			if err != nil {
				return err
			}
			if _, _, err := locked.Assign("w1", now); err != nil {
				return err
			}
			if _, err := locked.SaveProgress("w1", map[string]any{"draft": 1.0}, now); err != nil {
				return err
			}
			return tx.UpdateTask(ctx, locked)
		}))

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskProcessing, got.Status)
		require.Len(t, got.Assignments, 1)
		assert.Equal(t, "w1", got.Assignments[0].WorkerID)
		assert.Equal(t, 1.0, got.Assignments[0].InProgressTaskData["draft"])

		n, err := s.CountActiveAssignments(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("one accepted inquiry per request under contention", func(t *testing.T) {
		req := domain.NewStaffingRequest(task.ID, domain.RoleReviewer, domain.CauseManual, now)
		var inquiries []*domain.StaffingRequestInquiry
		for _, w := range []string{"a", "b", "c", "d"} {
			inquiries = append(inquiries, domain.NewInquiry(req.ID, w, domain.CommunicationEmail, now))
		}
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CreateStaffingRequest(ctx, req, inquiries)
		}))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
		)
		for _, inq := range inquiries {
			wg.Add(1)
			go func(inq *domain.StaffingRequestInquiry) {
				defer wg.Done()
				inq.Resolve(domain.InquiryAccepted, now)
				err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					return tx.UpdateInquiry(ctx, inq)
				})
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, store.ErrConflict)
				}
			}(inq)
		}
		wg.Wait()
		assert.Equal(t, 1, accepted)
	})
}
