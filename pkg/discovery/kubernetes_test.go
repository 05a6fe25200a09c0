package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

func mongoPod(name, ip string, phase corev1.PodPhase, ready bool, labels map[string]string) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "databases", Labels: labels},
		Status: corev1.PodStatus{
			Phase: phase,
			PodIP: ip,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: status},
			},
		},
	}
}

func TestKubernetesRegistryHealthy(t *testing.T) {
	svc := map[string]string{"app": "db-cluster"}
	client := fake.NewSimpleClientset(
		mongoPod("mongo-0", "10.0.0.3", corev1.PodRunning, true, svc),
		mongoPod("mongo-1", "10.0.0.5", corev1.PodRunning, true, svc),
		mongoPod("mongo-2", "10.0.0.6", corev1.PodRunning, false, svc),
		mongoPod("mongo-3", "", corev1.PodPending, false, svc),
		mongoPod("cache-0", "10.0.0.9", corev1.PodRunning, true, map[string]string{"app": "cache"}),
	)

	reg := NewKubernetesRegistry(client, "databases", "app")

	members, err := reg.Healthy(context.Background(), "db-cluster")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Member{
		{Node: "mongo-0", Address: "10.0.0.3"},
		{Node: "mongo-1", Address: "10.0.0.5"},
	}, members)

	c := NewClient(reg, "mongo-0", 27017, false)
	addrs, err := c.MemberAddresses(context.Background(), "db-cluster")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5:27017"}, addrs)
}

func TestKubernetesRegistryListError(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})

	reg := NewKubernetesRegistry(client, "databases", "app")

	_, err := reg.Healthy(context.Background(), "db-cluster")
	assert.ErrorIs(t, err, failure.ErrDiscoveryUnavailable)
}
