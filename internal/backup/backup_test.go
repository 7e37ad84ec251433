package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dukerupert/raisetracker/internal/database"
	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/dukerupert/raisetracker/internal/store"
)

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := io.ReadAll(input.Body)
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	m.deleted = append(m.deleted, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

var enabledS3 = S3Config{Bucket: "test", AccessKey: "key", SecretKey: "secret", Region: "us-east-1"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupManager(t *testing.T, cfg Config) (*Manager, *mockS3Client) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := NewManager(cfg, db, store.NewBackupStore(db), nil, discardLogger())
	mock := newMockS3()
	m.client = mock
	return m, mock
}

func TestManagerStateLifecycle(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, discardLogger())
	if m.Status().State != StateDisabled {
		t.Errorf("state = %q, want %q", m.Status().State, StateDisabled)
	}
	if m.Enabled() {
		t.Error("expected disabled manager")
	}

	m2 := NewManager(Config{S3: enabledS3}, nil, nil, nil, discardLogger())
	if m2.Status().State != StateIdle {
		t.Errorf("state = %q, want %q", m2.Status().State, StateIdle)
	}
}

func TestManagerStatusCallback(t *testing.T) {
	var received []Status
	var mu sync.Mutex
	cb := func(s Status) {
		mu.Lock()
		received = append(received, s)
		mu.Unlock()
	}

	m := NewManager(Config{S3: enabledS3}, nil, nil, cb, discardLogger())
	m.setStatus(Status{State: StateRunning, InProgress: true})
	m.setStatus(Status{State: StateIdle})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d callbacks, want 2", len(received))
	}
	if received[0].State != StateRunning || received[1].State != StateIdle {
		t.Errorf("callbacks = %+v", received)
	}
}

func TestRunOnceDisabled(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, discardLogger())
	if _, err := m.RunOnce(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestRunOnceUploadsSnapshot(t *testing.T) {
	m, mock := setupManager(t, Config{S3: enabledS3, Prefix: "nightly"})
	ctx := context.Background()

	b, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if b.Status != model.BackupStatusCompleted {
		t.Errorf("status = %q, want %q", b.Status, model.BackupStatusCompleted)
	}
	if !strings.HasPrefix(b.S3Key, "nightly/raisetracker-") {
		t.Errorf("key = %q, want nightly/ prefix", b.S3Key)
	}

	data, ok := mock.objects[b.S3Key]
	if !ok {
		t.Fatalf("object %q not uploaded", b.S3Key)
	}
	if !bytes.HasPrefix(data, []byte("SQLite format 3\x00")) {
		t.Error("uploaded object is not a SQLite database")
	}
	if b.SizeBytes != int64(len(data)) {
		t.Errorf("size = %d, want %d", b.SizeBytes, len(data))
	}

	st := m.Status()
	if st.State != StateIdle || st.LastBackup == nil {
		t.Errorf("status = %+v, want idle with last backup", st)
	}
}

func TestRunOnceEncrypted(t *testing.T) {
	m, mock := setupManager(t, Config{S3: enabledS3, Passphrase: "correct horse"})

	b, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !strings.HasSuffix(b.Filename, ".db.enc") {
		t.Errorf("filename = %q, want .db.enc suffix", b.Filename)
	}

	plain, err := Decrypt(mock.objects[b.S3Key], "correct horse")
	if err != nil {
		t.Fatalf("decrypt upload: %v", err)
	}
	if !bytes.HasPrefix(plain, []byte("SQLite format 3\x00")) {
		t.Error("decrypted object is not a SQLite database")
	}
}

func TestRunOnceUploadFailure(t *testing.T) {
	m, mock := setupManager(t, Config{S3: enabledS3})
	mock.putErr = errors.New("bucket unavailable")
	ctx := context.Background()

	if _, err := m.RunOnce(ctx); err == nil {
		t.Fatal("expected upload error")
	}
	if st := m.Status(); st.State != StateError || st.Error == "" {
		t.Errorf("status = %+v, want error state", st)
	}

	list, err := m.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Status != model.BackupStatusFailed {
		t.Errorf("records = %+v, want one failed record", list)
	}
}

func TestCleanupDeletesExpiredObjects(t *testing.T) {
	m, mock := setupManager(t, Config{S3: enabledS3, Retention: time.Millisecond})
	ctx := context.Background()

	b, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := m.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(mock.deleted) != 1 || mock.deleted[0] != b.S3Key {
		t.Errorf("deleted = %v, want [%s]", mock.deleted, b.S3Key)
	}
	if list, _ := m.List(ctx, 10); len(list) != 0 {
		t.Errorf("records = %d, want 0", len(list))
	}
}

func TestManagerStopSafety(t *testing.T) {
	m := NewManager(Config{S3: enabledS3}, nil, nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	m.Stop()

	// Double stop should not panic
	m.Stop()
}

func TestManagerDisabledNoStart(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, discardLogger())

	m.Start(context.Background())
	m.Stop()
}
