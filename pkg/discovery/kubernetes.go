package discovery

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// KubernetesRegistry treats ready pods labelled <labelKey>=<service> as the
// passing members of a service. Pod names are the host identifiers.
type KubernetesRegistry struct {
	kubeClient kubernetes.Interface
	namespace  string
	labelKey   string
}

// NewKubernetesRegistry creates a registry backed by kubeClient.
func NewKubernetesRegistry(kubeClient kubernetes.Interface, namespace, labelKey string) *KubernetesRegistry {
	return &KubernetesRegistry{
		kubeClient: kubeClient,
		namespace:  namespace,
		labelKey:   labelKey,
	}
}

// NewInClusterKubernetesRegistry builds the client from the pod's service account.
func NewInClusterKubernetesRegistry(namespace, labelKey string) (*KubernetesRegistry, error) {
	kubeConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}

	return NewKubernetesRegistry(clientset, namespace, labelKey), nil
}

// Healthy lists the Running and Ready pods labelled <labelKey>=<service>.
func (r *KubernetesRegistry) Healthy(ctx context.Context, service string) ([]Member, error) {
	pods, err := r.kubeClient.CoreV1().Pods(r.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", r.labelKey, service),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing pods for service %q: %w", failure.ErrDiscoveryUnavailable, service, err)
	}

	members := make([]Member, 0, len(pods.Items))
	for _, pod := range pods.Items {
		// Pods that are starting, terminating or failing their readiness
		// probe are not passing members.
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" || !podReady(&pod) {
			continue
		}
		members = append(members, Member{Node: pod.Name, Address: pod.Status.PodIP})
	}

	return members, nil
}

// Name identifies the backend in logs.
func (r *KubernetesRegistry) Name() string {
	return "kubernetes"
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
