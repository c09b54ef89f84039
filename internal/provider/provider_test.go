package provider

import (
	"context"
	"errors"
	"testing"
)

// stubProvider — заглушка для тестов реестра.
type stubProvider struct{}

func (stubProvider) CreateNode(_ context.Context, _ CreateRequest) (string, error) {
	return "stub-id", nil
}
func (stubProvider) DestroyNode(_ context.Context, _ string) error          { return nil }
func (stubProvider) NodeStatus(_ context.Context, _ string) (string, error) { return "ACTIVE", nil }
func (stubProvider) ListNodeNames(_ context.Context) ([]string, error)      { return nil, nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("openstack", stubProvider{})

	p, err := reg.Get("openstack")
	if err != nil {
		t.Fatalf("Get(openstack) ошибка: %v", err)
	}
	if p == nil {
		t.Fatal("Get(openstack) вернул nil")
	}

	_, err = reg.Get("aws")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(aws): ожидали ErrUnknownProvider, получили: %v", err)
	}
}
