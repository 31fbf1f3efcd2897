package shadow

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/aegis-sre/aegis/internal/cluster"
	"github.com/aegis-sre/aegis/internal/config"
	"github.com/aegis-sre/aegis/internal/models"
)

func namespaceRuntimeWith(objects ...runtime.Object) Runtime {
	clientset := fake.NewClientset(objects...)
	return NewNamespaceRuntime(cluster.NewWithClientset(clientset, time.Second), config.ShadowConfig{
		NamespacePrefix:     "aegis-shadow",
		VerificationTimeout: time.Second,
	})
}

func shadowService(namespace, name string, ports ...int32) *corev1.Service {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
	}
	for _, p := range ports {
		svc.Spec.Ports = append(svc.Spec.Ports, corev1.ServicePort{Port: p})
	}
	return svc
}

func TestServiceURLPrefersWorkloadService(t *testing.T) {
	ns := "aegis-shadow-web-abc"
	rt := namespaceRuntimeWith(
		shadowService(ns, "metrics", 9090),
		shadowService(ns, "web", 8080),
	)
	env := &models.ShadowEnvironment{Namespace: ns, SourceName: "web", SourceKind: "Deployment"}

	url, ok := rt.ServiceURL(context.Background(), env)
	if !ok {
		t.Fatal("expected a resolved service URL")
	}
	want := "http://web." + ns + ".svc:8080"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
}

func TestServiceURLFallsBackToAnyPortedService(t *testing.T) {
	ns := "aegis-shadow-web-abc"
	rt := namespaceRuntimeWith(
		shadowService(ns, "headless"), // no ports, must be skipped
		shadowService(ns, "sidecar", 9090),
	)
	env := &models.ShadowEnvironment{Namespace: ns, SourceName: "web", SourceKind: "Deployment"}

	url, ok := rt.ServiceURL(context.Background(), env)
	if !ok {
		t.Fatal("expected fallback to the ported service")
	}
	if url != "http://sidecar."+ns+".svc:9090" {
		t.Fatalf("url = %q", url)
	}
}

func TestServiceURLNoServices(t *testing.T) {
	rt := namespaceRuntimeWith()
	env := &models.ShadowEnvironment{Namespace: "aegis-shadow-web-abc", SourceName: "web", SourceKind: "Deployment"}

	if url, ok := rt.ServiceURL(context.Background(), env); ok {
		t.Fatalf("no services should resolve nothing, got %q", url)
	}
}
