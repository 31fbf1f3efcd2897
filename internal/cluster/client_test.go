package cluster

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestNamespaceExists(t *testing.T) {
	clientset := fake.NewClientset(&corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: "aegis-shadow-web-abc"},
	})
	c := NewWithClientset(clientset, time.Second)

	exists, err := c.NamespaceExists(context.Background(), "aegis-shadow-web-abc")
	if err != nil {
		t.Fatalf("NamespaceExists: %v", err)
	}
	if !exists {
		t.Fatal("existing namespace reported missing")
	}

	exists, err = c.NamespaceExists(context.Background(), "aegis-shadow-gone")
	if err != nil {
		t.Fatalf("NamespaceExists on missing namespace: %v", err)
	}
	if exists {
		t.Fatal("missing namespace reported present")
	}
}
