package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"engineroom/internal/engine"
)

const testNamespace = "models"

func testDriver(t *testing.T) (Driver, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	driver := NewKubernetesDriver(client, Options{
		Namespace:          testNamespace,
		CrashLoopThreshold: 3,
		RetryAttempts:      2,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      2 * time.Millisecond,
	})
	return driver, client
}

func TestWorkloadName(t *testing.T) {
	tests := []struct {
		engineID string
		expected string
	}{
		{"m1", "engine-m1"},
		{"My Model/7B", "engine-my-model-7b"},
		{"llama-3", "engine-llama-3"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, WorkloadName(test.engineID))
	}
}

func TestCreateWorkloadCreatesDeploymentAndService(t *testing.T) {
	driver, client := testDriver(t)
	ctx := context.Background()

	spec := engine.ImageSpec{
		Image:      "registry/model-server:v1",
		Port:       9000,
		PullSecret: "registry-creds",
		Env:        map[string]string{"MODEL_REPO_NAME": "org/model"},
	}

	ref, err := driver.CreateWorkload(ctx, "m1", spec)
	require.NoError(t, err)
	assert.Equal(t, "engine-m1", ref)

	deployment, err := client.AppsV1().Deployments(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m1", deployment.Labels[LabelEngineID])
	assert.Equal(t, ManagedByValue, deployment.Labels[LabelManagedBy])

	container := deployment.Spec.Template.Spec.Containers[0]
	assert.Equal(t, spec.Image, container.Image)
	assert.Equal(t, int32(9000), container.Ports[0].ContainerPort)
	require.Len(t, container.Env, 1)
	assert.Equal(t, "MODEL_REPO_NAME", container.Env[0].Name)
	require.Len(t, deployment.Spec.Template.Spec.ImagePullSecrets, 1)
	assert.Equal(t, "registry-creds", deployment.Spec.Template.Spec.ImagePullSecrets[0].Name)

	service, err := client.CoreV1().Services(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeClusterIP, service.Spec.Type)
	assert.Equal(t, int32(9000), service.Spec.Ports[0].Port)
}

func TestCreateWorkloadIdempotent(t *testing.T) {
	driver, _ := testDriver(t)
	ctx := context.Background()

	spec := engine.ImageSpec{Image: "img:v1", Port: 9000}

	ref1, err := driver.CreateWorkload(ctx, "m1", spec)
	require.NoError(t, err)

	// Same spec again: same reference, no error.
	ref2, err := driver.CreateWorkload(ctx, "m1", spec)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestCreateWorkloadSpecConflict(t *testing.T) {
	driver, _ := testDriver(t)
	ctx := context.Background()

	_, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	_, err = driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v2", Port: 9000})
	require.Error(t, err)
	assert.True(t, IsSpecConflict(err))

	var specErr *SpecConflictError
	require.True(t, errors.As(err, &specErr))
	assert.Equal(t, "img:v1", specErr.Existing)
	assert.Equal(t, "img:v2", specErr.Requested)
}

func TestWaitReadyReturnsEndpoint(t *testing.T) {
	driver, client := testDriver(t)
	ctx := context.Background()

	ref, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	// Mark the deployment ready and give the service a cluster IP, the way
	// the control plane would.
	deployment, err := client.AppsV1().Deployments(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	require.NoError(t, err)
	deployment.Status.ReadyReplicas = 1
	deployment.Status.AvailableReplicas = 1
	_, err = client.AppsV1().Deployments(testNamespace).UpdateStatus(ctx, deployment, metav1.UpdateOptions{})
	require.NoError(t, err)

	service, err := client.CoreV1().Services(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	require.NoError(t, err)
	service.Spec.ClusterIP = "10.0.0.5"
	_, err = client.CoreV1().Services(testNamespace).Update(ctx, service, metav1.UpdateOptions{})
	require.NoError(t, err)

	endpoint, err := driver.WaitReady(ctx, ref, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9000", endpoint)
}

func TestWaitReadyTimesOut(t *testing.T) {
	driver, _ := testDriver(t)
	ctx := context.Background()

	ref, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	_, err = driver.WaitReady(ctx, ref, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadyTimeout))
}

func TestWaitReadyDetectsCrashLoop(t *testing.T) {
	driver, client := testDriver(t)
	ctx := context.Background()

	ref, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ref + "-7d9f6c-x2v",
			Namespace: testNamespace,
			Labels: map[string]string{
				LabelEngineID:  "m1",
				LabelManagedBy: ManagedByValue,
			},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 4}},
		},
	}
	_, err = client.CoreV1().Pods(testNamespace).Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	_, err = driver.WaitReady(ctx, ref, 5*time.Second)
	require.Error(t, err)
	assert.True(t, IsCrashLoop(err))
}

func TestWaitReadyIgnoresPodsOfOtherEngines(t *testing.T) {
	driver, client := testDriver(t)
	ctx := context.Background()

	// engine-m1 and engine-m10 share a name prefix; only the label decides
	// which pods belong to which workload.
	ref, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)
	_, err = driver.CreateWorkload(ctx, "m10", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "engine-m10-7f6d9-abcde",
			Namespace: testNamespace,
			Labels: map[string]string{
				LabelEngineID:  "m10",
				LabelManagedBy: ManagedByValue,
			},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 7}},
		},
	}
	_, err = client.CoreV1().Pods(testNamespace).Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	deployment, err := client.AppsV1().Deployments(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	require.NoError(t, err)
	deployment.Status.ReadyReplicas = 1
	deployment.Status.AvailableReplicas = 1
	_, err = client.AppsV1().Deployments(testNamespace).UpdateStatus(ctx, deployment, metav1.UpdateOptions{})
	require.NoError(t, err)

	service, err := client.CoreV1().Services(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	require.NoError(t, err)
	service.Spec.ClusterIP = "10.0.0.5"
	_, err = client.CoreV1().Services(testNamespace).Update(ctx, service, metav1.UpdateOptions{})
	require.NoError(t, err)

	// m1 is healthy and must come up despite its crash-looping neighbor.
	endpoint, err := driver.WaitReady(ctx, ref, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9000", endpoint)

	// The neighbor itself is still reported as crash-looping.
	_, err = driver.WaitReady(ctx, "engine-m10", 5*time.Second)
	require.Error(t, err)
	assert.True(t, IsCrashLoop(err))
}

func TestDeleteWorkload(t *testing.T) {
	driver, client := testDriver(t)
	ctx := context.Background()

	ref, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	require.NoError(t, driver.DeleteWorkload(ctx, ref, 30*time.Second))

	_, err = client.AppsV1().Deployments(testNamespace).Get(ctx, ref, metav1.GetOptions{})
	assert.Error(t, err)

	// Deleting an already-gone workload is success.
	require.NoError(t, driver.DeleteWorkload(ctx, ref, 30*time.Second))
}

func TestWorkloadExists(t *testing.T) {
	driver, _ := testDriver(t)
	ctx := context.Background()

	exists, err := driver.WorkloadExists(ctx, "engine-m1")
	require.NoError(t, err)
	assert.False(t, exists)

	ref, err := driver.CreateWorkload(ctx, "m1", engine.ImageSpec{Image: "img:v1", Port: 9000})
	require.NoError(t, err)

	exists, err = driver.WorkloadExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)
}
