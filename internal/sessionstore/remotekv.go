package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/fernrelay/relay/internal/k8s"
)

const (
	leasePrefix   = "relay-session-"
	annotationKey = "relay.fernrelay.io/registration"
)

// RemoteKv is a multi-replica SessionStore backend built on the
// Kubernetes coordination API's Lease object. A session's registration is
// JSON-encoded into the Lease's annotation; the Lease's native
// renewTime/leaseDurationSeconds fields carry the TTL directly, so refresh
// is a lease renewal and an unrenewed lease is naturally "expired" without
// the store needing its own sweep loop.
type RemoteKv struct {
	client    kubernetes.Interface
	namespace string
}

// NewRemoteKv constructs a RemoteKv backend using the shared k8s client
// singleton. Returns an error if the client cannot be built or the
// namespace is unreachable, so callers can fall back to InMemory per the
// configured-but-unreachable startup rule.
func NewRemoteKv(ctx context.Context) (*RemoteKv, error) {
	client, err := k8s.GetClient()
	if err != nil {
		return nil, fmt.Errorf("sessionstore: build k8s client: %w", err)
	}
	ns := k8s.GetNamespace()
	if _, err := client.CoordinationV1().Leases(ns).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return nil, fmt.Errorf("sessionstore: probe leases in namespace %q: %w", ns, err)
	}
	return &RemoteKv{client: client, namespace: ns}, nil
}

func leaseName(sessionID string) string {
	return leasePrefix + sessionID
}

func (s *RemoteKv) Put(ctx context.Context, reg DesktopRegistration, ttl time.Duration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("sessionstore: encode registration: %w", err)
	}
	now := metav1.NowMicro()
	seconds := int32(ttl.Seconds())
	holder := reg.SocketID
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:        leaseName(reg.SessionID),
			Namespace:   s.namespace,
			Annotations: map[string]string{annotationKey: string(payload)},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			LeaseDurationSeconds: &seconds,
			RenewTime:            &now,
		},
	}

	leases := s.client.CoordinationV1().Leases(s.namespace)
	_, err = leases.Create(ctx, lease, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = leases.Update(ctx, lease, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("sessionstore: put lease %s: %w", lease.Name, err)
	}
	return nil
}

func (s *RemoteKv) Refresh(ctx context.Context, sessionID string, ttl time.Duration) error {
	leases := s.client.CoordinationV1().Leases(s.namespace)
	lease, err := leases.Get(ctx, leaseName(sessionID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sessionstore: get lease for refresh: %w", err)
	}
	if leaseExpired(lease) {
		return ErrNotFound
	}
	now := metav1.NowMicro()
	seconds := int32(ttl.Seconds())
	lease.Spec.RenewTime = &now
	lease.Spec.LeaseDurationSeconds = &seconds
	if _, err := leases.Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("sessionstore: renew lease: %w", err)
	}
	return nil
}

func (s *RemoteKv) Get(ctx context.Context, sessionID string) (DesktopRegistration, error) {
	lease, err := s.client.CoordinationV1().Leases(s.namespace).Get(ctx, leaseName(sessionID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return DesktopRegistration{}, ErrNotFound
	}
	if err != nil {
		return DesktopRegistration{}, fmt.Errorf("sessionstore: get lease: %w", err)
	}
	if leaseExpired(lease) {
		return DesktopRegistration{}, ErrNotFound
	}
	raw, ok := lease.Annotations[annotationKey]
	if !ok {
		return DesktopRegistration{}, ErrNotFound
	}
	var reg DesktopRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return DesktopRegistration{}, fmt.Errorf("sessionstore: decode registration: %w", err)
	}
	return reg, nil
}

func (s *RemoteKv) Delete(ctx context.Context, sessionID string) error {
	err := s.client.CoordinationV1().Leases(s.namespace).Delete(ctx, leaseName(sessionID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("sessionstore: delete lease: %w", err)
	}
	return nil
}

func leaseExpired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	deadline := lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
	return time.Now().After(deadline)
}
