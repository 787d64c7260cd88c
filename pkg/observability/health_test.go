package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// mockPinger is a mock implementation of Pinger
type mockPinger struct {
	err error
}

func (m *mockPinger) HealthCheck(context.Context) error { return m.err }

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		status := NewHealthChecker(nil, nil).WithVersion("1.2.3").Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("status = %s", status.Status)
		}
		if status.Version != "1.2.3" {
			t.Errorf("version = %s", status.Version)
		}
	})

	t.Run("all healthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		_, client := newMiniredis(t)

		status := NewHealthChecker(db, client).WithArchive(&mockPinger{}).Check(context.Background())
		if status.Status != StatusHealthy {
			t.Errorf("status = %s, deps = %+v", status.Status, status.Dependencies)
		}
		if len(status.Dependencies) != 3 {
			t.Errorf("dependencies = %d, want 3", len(status.Dependencies))
		}
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("Failed to create mock db: %v", err)
		}
		defer db.Close()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker(db, nil).Check(context.Background())
		if status.Status != StatusUnhealthy {
			t.Errorf("status = %s", status.Status)
		}
		if status.Dependencies["database"].Message != "connection refused" {
			t.Errorf("message = %q", status.Dependencies["database"].Message)
		}
	})

	t.Run("redis down is degraded", func(t *testing.T) {
		mr, client := newMiniredis(t)
		mr.Close()

		status := NewHealthChecker(nil, client).Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("status = %s", status.Status)
		}
		if status.Dependencies["redis"].Status != StatusUnhealthy {
			t.Errorf("redis status = %s", status.Dependencies["redis"].Status)
		}
	})

	t.Run("archive down is degraded", func(t *testing.T) {
		status := NewHealthChecker(nil, nil).WithArchive(&mockPinger{err: errors.New("bucket missing")}).Check(context.Background())
		if status.Status != StatusDegraded {
			t.Errorf("status = %s", status.Status)
		}
	})
}

func TestHealthChecker_Routes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, NewHealthChecker(db, nil))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness = %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != StatusUnhealthy {
		t.Errorf("status = %s", status.Status)
	}
}
