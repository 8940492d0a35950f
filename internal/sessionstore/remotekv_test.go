package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes/fake"
)

func newTestRemoteKv() *RemoteKv {
	return &RemoteKv{client: fake.NewSimpleClientset(), namespace: "default"}
}

func TestRemoteKvPutGet(t *testing.T) {
	s := newTestRemoteKv()
	reg := DesktopRegistration{SessionID: "AB3D4F", SocketID: "sock-1", URL: "https://ab3d4f.relay.local", CreatedAt: time.Now()}

	if err := s.Put(context.Background(), reg, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(context.Background(), "AB3D4F")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SocketID != "sock-1" {
		t.Fatalf("expected sock-1, got %q", got.SocketID)
	}
}

func TestRemoteKvPutIsUpsert(t *testing.T) {
	s := newTestRemoteKv()
	reg := DesktopRegistration{SessionID: "AB3D4F", SocketID: "sock-1"}
	if err := s.Put(context.Background(), reg, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	reg.SocketID = "sock-2"
	if err := s.Put(context.Background(), reg, time.Hour); err != nil {
		t.Fatalf("second Put (update): %v", err)
	}
	got, err := s.Get(context.Background(), "AB3D4F")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SocketID != "sock-2" {
		t.Fatalf("expected updated sock-2, got %q", got.SocketID)
	}
}

func TestRemoteKvGetMissing(t *testing.T) {
	s := newTestRemoteKv()
	if _, err := s.Get(context.Background(), "NOPE00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteKvGetExpiredLease(t *testing.T) {
	s := newTestRemoteKv()
	reg := DesktopRegistration{SessionID: "AB3D4F", SocketID: "sock-1"}
	if err := s.Put(context.Background(), reg, -time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get(context.Background(), "AB3D4F"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired lease to read as not found, got %v", err)
	}
}

func TestRemoteKvRefreshExtendsExpiry(t *testing.T) {
	s := newTestRemoteKv()
	reg := DesktopRegistration{SessionID: "AB3D4F", SocketID: "sock-1"}
	if err := s.Put(context.Background(), reg, 50*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.Refresh(context.Background(), "AB3D4F", time.Hour); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := s.Get(context.Background(), "AB3D4F"); err != nil {
		t.Fatalf("expected refreshed lease to still be live: %v", err)
	}
}

func TestRemoteKvRefreshMissing(t *testing.T) {
	s := newTestRemoteKv()
	if err := s.Refresh(context.Background(), "NOPE00", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteKvRefreshExpiredLease(t *testing.T) {
	s := newTestRemoteKv()
	reg := DesktopRegistration{SessionID: "AB3D4F", SocketID: "sock-1"}
	if err := s.Put(context.Background(), reg, -time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Refresh(context.Background(), "AB3D4F", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected refresh of an expired lease to report not found, got %v", err)
	}
}

func TestRemoteKvDeleteIsIdempotent(t *testing.T) {
	s := newTestRemoteKv()
	reg := DesktopRegistration{SessionID: "AB3D4F"}
	_ = s.Put(context.Background(), reg, time.Hour)

	if err := s.Delete(context.Background(), "AB3D4F"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(context.Background(), "AB3D4F"); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
}
