package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"engineroom/internal/engine"
	"engineroom/pkg/logging"
)

const (
	// LabelEngineID marks every object the driver creates with its engine.
	LabelEngineID = "engineroom.io/engine-id"

	// LabelManagedBy distinguishes driver-owned objects from everything else
	// in the namespace.
	LabelManagedBy = "app.kubernetes.io/managed-by"

	// ManagedByValue is the value of LabelManagedBy on all owned objects.
	ManagedByValue = "engineroom"

	// specAnnotation carries the serialized ImageSpec so idempotent create
	// can detect conflicting respecifications.
	specAnnotation = "engineroom.io/image-spec"

	readyPollInterval = 2 * time.Second
)

// Options configures the Kubernetes driver.
type Options struct {
	// Namespace receives all workload objects.
	Namespace string

	// CrashLoopThreshold is the container restart count within the readiness
	// window past which a workload counts as crash-looping.
	CrashLoopThreshold int32

	// RetryAttempts bounds retries of transient cluster API failures.
	RetryAttempts int

	// RetryBaseDelay is the first backoff step; subsequent steps double up
	// to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// kubernetesDriver implements Driver against a cluster through the typed
// clientset. One Deployment (single replica) plus one ClusterIP Service per
// engine, both named by the workload reference.
type kubernetesDriver struct {
	client kubernetes.Interface
	opts   Options
}

// NewKubernetesDriver creates a Driver for the given clientset.
func NewKubernetesDriver(client kubernetes.Interface, opts Options) Driver {
	if opts.CrashLoopThreshold <= 0 {
		opts.CrashLoopThreshold = 3
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 4
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 8 * time.Second
	}
	return &kubernetesDriver{client: client, opts: opts}
}

// WorkloadName derives the deployment/service name for an engine. Engine ids
// are caller-supplied opaque strings, so anything outside the DNS-1123 label
// alphabet is folded to '-'.
func WorkloadName(engineID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, engineID)
	name := "engine-" + strings.Trim(sanitized, "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

func (d *kubernetesDriver) CreateWorkload(ctx context.Context, engineID string, spec engine.ImageSpec) (string, error) {
	ref := WorkloadName(engineID)
	labels := map[string]string{
		LabelEngineID:  engineID,
		LabelManagedBy: ManagedByValue,
	}

	specJSON, err := specFingerprint(spec)
	if err != nil {
		return "", err
	}

	deployment := buildDeployment(ref, d.opts.Namespace, labels, specJSON, spec)
	err = d.withRetry(ctx, func() error {
		_, err := d.client.AppsV1().Deployments(d.opts.Namespace).Create(ctx, deployment, metav1.CreateOptions{})
		return err
	})
	if apierrors.IsAlreadyExists(err) {
		existing, getErr := d.client.AppsV1().Deployments(d.opts.Namespace).Get(ctx, ref, metav1.GetOptions{})
		if getErr != nil {
			return "", fmt.Errorf("failed to inspect existing workload %s: %w", ref, getErr)
		}
		if existing.Annotations[specAnnotation] != specJSON {
			return "", &SpecConflictError{
				EngineID:  engineID,
				Existing:  existingImage(existing),
				Requested: spec.Image,
			}
		}
		logging.Debug("Cluster", "workload %s already exists with matching spec, reusing", ref)
	} else if err != nil {
		return "", fmt.Errorf("failed to create deployment %s: %w", ref, err)
	}

	service := buildService(ref, d.opts.Namespace, labels, spec.Port)
	err = d.withRetry(ctx, func() error {
		_, err := d.client.CoreV1().Services(d.opts.Namespace).Create(ctx, service, metav1.CreateOptions{})
		return err
	})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return "", fmt.Errorf("failed to create service %s: %w", ref, err)
	}

	logging.Info("Cluster", "created workload %s for engine %s (image %s)", ref, engineID, spec.Image)
	return ref, nil
}

func (d *kubernetesDriver) WaitReady(ctx context.Context, ref string, timeout time.Duration) (string, error) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := wait.PollUntilContextCancel(deadline, readyPollInterval, true, func(ctx context.Context) (bool, error) {
		deployment, err := d.client.AppsV1().Deployments(d.opts.Namespace).Get(ctx, ref, metav1.GetOptions{})
		if err != nil {
			if isTransient(err) || apierrors.IsNotFound(err) {
				logging.Debug("Cluster", "readiness poll for %s: %v", ref, err)
				return false, nil
			}
			return false, err
		}

		if restarts, looping := d.crashLooping(ctx, ref, deployment.Labels[LabelEngineID]); looping {
			return false, &CrashLoopError{WorkloadRef: ref, Restarts: restarts}
		}

		replicas := int32(1)
		if deployment.Spec.Replicas != nil {
			replicas = *deployment.Spec.Replicas
		}
		status := deployment.Status
		ready := replicas > 0 &&
			status.ReadyReplicas == replicas &&
			status.AvailableReplicas == replicas
		return ready, nil
	})
	if err != nil {
		var crashErr *CrashLoopError
		if errors.As(err, &crashErr) {
			return "", crashErr
		}
		if wait.Interrupted(err) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("workload %s: %w", ref, ErrReadyTimeout)
		}
		return "", fmt.Errorf("failed to wait for workload %s: %w", ref, err)
	}

	return d.endpoint(ctx, ref)
}

// crashLooping inspects the workload's pods for restart counts past the
// threshold. Pods are selected by the engine-id label the pod template
// carries; workload names are not unique prefixes of each other.
func (d *kubernetesDriver) crashLooping(ctx context.Context, ref, engineID string) (int32, bool) {
	pods, err := d.client.CoreV1().Pods(d.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", LabelEngineID, engineID, LabelManagedBy, ManagedByValue),
	})
	if err != nil {
		logging.Debug("Cluster", "failed to list pods for %s: %v", ref, err)
		return 0, false
	}
	for _, pod := range pods.Items {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.RestartCount >= d.opts.CrashLoopThreshold {
				return cs.RestartCount, true
			}
		}
	}
	return 0, false
}

// endpoint resolves the workload's routable address from its service.
func (d *kubernetesDriver) endpoint(ctx context.Context, ref string) (string, error) {
	service, err := d.client.CoreV1().Services(d.opts.Namespace).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to read service %s: %w", ref, err)
	}
	if service.Spec.ClusterIP == "" || service.Spec.ClusterIP == corev1.ClusterIPNone {
		return "", fmt.Errorf("service %s has no cluster IP", ref)
	}
	if len(service.Spec.Ports) == 0 {
		return "", fmt.Errorf("service %s has no ports", ref)
	}
	return net.JoinHostPort(service.Spec.ClusterIP, fmt.Sprintf("%d", service.Spec.Ports[0].Port)), nil
}

func (d *kubernetesDriver) DeleteWorkload(ctx context.Context, ref string, gracePeriod time.Duration) error {
	graceSeconds := int64(gracePeriod / time.Second)
	deleteOpts := metav1.DeleteOptions{GracePeriodSeconds: &graceSeconds}

	err := d.withRetry(ctx, func() error {
		return d.client.AppsV1().Deployments(d.opts.Namespace).Delete(ctx, ref, deleteOpts)
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", ref, err)
	}

	err = d.withRetry(ctx, func() error {
		return d.client.CoreV1().Services(d.opts.Namespace).Delete(ctx, ref, metav1.DeleteOptions{})
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete service %s: %w", ref, err)
	}

	logging.Info("Cluster", "deleted workload %s", ref)
	return nil
}

func (d *kubernetesDriver) WorkloadExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.client.AppsV1().Deployments(d.opts.Namespace).Get(ctx, ref, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check workload %s: %w", ref, err)
	}
	return true, nil
}

// withRetry retries fn with bounded exponential backoff on transient cluster
// API errors. Non-transient errors (auth, validation, conflicts) surface
// immediately.
func (d *kubernetesDriver) withRetry(ctx context.Context, fn func() error) error {
	backoff := wait.Backoff{
		Steps:    d.opts.RetryAttempts,
		Duration: d.opts.RetryBaseDelay,
		Factor:   2.0,
		Jitter:   0.1,
		Cap:      d.opts.RetryMaxDelay,
	}
	return retry.OnError(backoff, func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return isTransient(err)
	}, fn)
}

// isTransient classifies retriable cluster API failures: 5xx-style responses
// and network timeouts. Everything else (403, 404, 409, malformed specs) is
// terminal.
func isTransient(err error) bool {
	if apierrors.IsServerTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsUnexpectedServerError(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// specFingerprint serializes the spec for the conflict-detection annotation.
// json.Marshal emits map keys in sorted order, so equal specs always produce
// equal fingerprints.
func specFingerprint(spec engine.ImageSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint image spec: %w", err)
	}
	return string(data), nil
}

func existingImage(deployment *appsv1.Deployment) string {
	containers := deployment.Spec.Template.Spec.Containers
	if len(containers) == 0 {
		return ""
	}
	return containers[0].Image
}

func buildDeployment(ref, namespace string, labels map[string]string, specJSON string, spec engine.ImageSpec) *appsv1.Deployment {
	replicas := int32(1)

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{{
			Name:  ref,
			Image: spec.Image,
			Env:   env,
			Ports: []corev1.ContainerPort{{ContainerPort: spec.Port}},
		}},
	}
	if spec.PullSecret != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: spec.PullSecret}}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ref,
			Namespace:   namespace,
			Labels:      labels,
			Annotations: map[string]string{specAnnotation: specJSON},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

func buildService(ref, namespace string, labels map[string]string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ref,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Port:       port,
				TargetPort: intstr.FromInt32(port),
			}},
		},
	}
}
