// Package kubernetes implements the workload runtime on top of a Kubernetes
// cluster, running each VNC workload as a bare pod in the configured
// namespace.
package kubernetes

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apiresource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/labels"
	"github.com/virtdesk/broker/pkg/logger"
)

const (
	// podIPWaitTimeout bounds how long we wait for a spawned pod to be
	// scheduled, started, and given an address.
	podIPWaitTimeout = 60 * time.Second

	// vncContainerName is the single container in every workload pod.
	vncContainerName = "vnc"
)

// Client implements runtime.Runtime against a Kubernetes cluster.
type Client struct {
	client    kubernetes.Interface
	settings  config.KubernetesOrchestratorSettings
	namespace string
}

// NewClient creates a Kubernetes runtime client from the in-cluster config.
func NewClient(_ context.Context, settings config.KubernetesOrchestratorSettings) (*Client, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	namespace := settings.Namespace
	if namespace == "" {
		namespace = currentNamespace()
	}

	return &Client{
		client:    clientset,
		settings:  settings,
		namespace: namespace,
	}, nil
}

// NewClientWithClientset wires an existing clientset, used by tests.
func NewClientWithClientset(clientset kubernetes.Interface, settings config.KubernetesOrchestratorSettings, namespace string) *Client {
	return &Client{client: clientset, settings: settings, namespace: namespace}
}

// currentNamespace resolves the namespace the broker itself runs in.
func currentNamespace() string {
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return string(data)
	}
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "default"
}

// SpawnWorkload creates a workload pod and waits until it has an address.
func (c *Client) SpawnWorkload(ctx context.Context, spec runtime.WorkloadSpec) (string, string, error) {
	pod := c.buildPod(spec)

	created, err := c.client.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", "", runtime.NewWorkloadError(err, pod.Name, fmt.Sprintf("failed to create pod: %v", err))
	}

	ip, err := c.waitForPodIP(ctx, created.Name)
	if err != nil {
		// A pod that never came up is useless, reap it.
		_ = c.DestroyWorkload(ctx, created.Name)
		return "", "", err
	}

	logger.Infow("Spawned workload pod", "name", created.Name, "namespace", c.namespace, "ip", ip)
	return created.Name, ip, nil
}

func (c *Client) buildPod(spec runtime.WorkloadSpec) *corev1.Pod {
	podLabels := map[string]string{}
	for k, v := range c.settings.Labels {
		podLabels[k] = v
	}
	labels.AddStandardLabels(podLabels, spec.SessionID, spec.Username)

	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	ctr := corev1.Container{
		Name:            vncContainerName,
		Image:           spec.Image,
		ImagePullPolicy: corev1.PullPolicy(c.settings.ImagePullPolicy),
		Env:             env,
		Ports: []corev1.ContainerPort{
			{Name: "vnc", ContainerPort: config.VNCPort, Protocol: corev1.ProtocolTCP},
		},
		Resources: c.resourceRequirements(),
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      runtime.WorkloadName(spec.SessionID),
			Namespace: c.namespace,
			Labels:    podLabels,
		},
		Spec: corev1.PodSpec{
			Containers:    []corev1.Container{ctr},
			RestartPolicy: corev1.RestartPolicyAlways,
			NodeSelector:  c.settings.NodeSelector,
		},
	}

	if c.settings.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = c.settings.ServiceAccount
	}
	for _, secret := range c.settings.ImagePullSecrets {
		pod.Spec.ImagePullSecrets = append(pod.Spec.ImagePullSecrets,
			corev1.LocalObjectReference{Name: secret})
	}

	if spec.UserDataVolume != "" {
		pod.Spec.Volumes = []corev1.Volume{{
			Name: "user-data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: spec.UserDataVolume,
				},
			},
		}}
		pod.Spec.Containers[0].VolumeMounts = []corev1.VolumeMount{{
			Name:      "user-data",
			MountPath: "/user-data",
		}}
	}

	return pod
}

func (c *Client) resourceRequirements() corev1.ResourceRequirements {
	req := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	setQuantity(req.Requests, corev1.ResourceMemory, c.settings.MemoryRequest)
	setQuantity(req.Limits, corev1.ResourceMemory, c.settings.MemoryLimit)
	setQuantity(req.Requests, corev1.ResourceCPU, c.settings.CPURequest)
	setQuantity(req.Limits, corev1.ResourceCPU, c.settings.CPULimit)
	return req
}

func setQuantity(list corev1.ResourceList, name corev1.ResourceName, value string) {
	if value == "" {
		return
	}
	q, err := apiresource.ParseQuantity(value)
	if err != nil {
		logger.Warnf("Invalid resource quantity %q for %s, skipping", value, name)
		return
	}
	list[name] = q
}

// waitForPodIP polls until the pod is running with an address assigned.
func (c *Client) waitForPodIP(ctx context.Context, podName string) (string, error) {
	var ip string

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.MaxElapsedTime = podIPWaitTimeout

	err := backoff.Retry(func() error {
		pod, err := c.client.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if pod.Status.Phase == corev1.PodFailed {
			return backoff.Permanent(runtime.NewWorkloadError(
				runtime.ErrWorkloadNotRunning, podName,
				fmt.Sprintf("pod failed: %s", pod.Status.Reason)))
		}
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			return fmt.Errorf("pod %s not ready (phase %s)", podName, pod.Status.Phase)
		}
		ip = pod.Status.PodIP
		return nil
	}, backoff.WithContext(expBackoff, ctx))
	if err != nil {
		var werr *runtime.WorkloadError
		if stderrors.As(err, &werr) {
			return "", err
		}
		return "", runtime.NewWorkloadError(runtime.ErrNoAddress, podName, err.Error())
	}
	return ip, nil
}

// DestroyWorkload deletes the workload pod. A missing pod is treated as
// already destroyed.
func (c *Client) DestroyWorkload(ctx context.Context, workloadID string) error {
	err := c.client.CoreV1().Pods(c.namespace).Delete(ctx, workloadID, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to delete pod: %v", err))
	}
	return nil
}

// IsWorkloadRunning reports whether the pod exists and is in the Running
// phase.
func (c *Client) IsWorkloadRunning(ctx context.Context, workloadID string) (bool, error) {
	pod, err := c.client.CoreV1().Pods(c.namespace).Get(ctx, workloadID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, runtime.NewWorkloadError(runtime.ErrWorkloadNotFound, workloadID, "")
		}
		return false, runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to get pod: %v", err))
	}
	return pod.Status.Phase == corev1.PodRunning, nil
}

// ListWorkloads returns every managed workload pod.
func (c *Client) ListWorkloads(ctx context.Context) ([]runtime.WorkloadInfo, error) {
	return c.list(ctx, labels.ManagedFilter())
}

// ListPoolWorkloads returns unclaimed pool pods, oldest first.
func (c *Client) ListPoolWorkloads(ctx context.Context) ([]runtime.WorkloadInfo, error) {
	workloads, err := c.list(ctx, labels.PoolFilter())
	if err != nil {
		return nil, err
	}

	unclaimed := workloads[:0]
	for _, w := range workloads {
		if w.Username == "" {
			unclaimed = append(unclaimed, w)
		}
	}
	sort.Slice(unclaimed, func(i, j int) bool {
		return unclaimed[i].CreatedAt.Before(unclaimed[j].CreatedAt)
	})
	return unclaimed, nil
}

// ClaimWorkloadLabels marks a pool pod as owned by username, flipping the
// pool label off in the same update. The update uses the pod's
// resourceVersion, so a concurrent claim loses with a conflict and returns
// false. A pod already owned by someone else reports ErrWorkloadAlreadyClaimed.
func (c *Client) ClaimWorkloadLabels(ctx context.Context, workloadID, username string) (bool, error) {
	pods := c.client.CoreV1().Pods(c.namespace)

	pod, err := pods.Get(ctx, workloadID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to get pod: %v", err))
	}

	if owner := labels.Username(pod.Labels); owner != "" {
		if owner == username {
			return true, nil
		}
		return false, runtime.NewWorkloadError(
			runtime.ErrWorkloadAlreadyClaimed, workloadID, "owned by "+owner)
	}

	if pod.Labels == nil {
		pod.Labels = map[string]string{}
	}
	pod.Labels[labels.LabelUsername] = username
	pod.Labels[labels.LabelPool] = "false"

	_, err = pods.Update(ctx, pod, metav1.UpdateOptions{})
	if err != nil {
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to claim pod: %v", err))
	}
	return true, nil
}

// RunningWorkloadCount returns the number of managed pods in the Running
// phase.
func (c *Client) RunningWorkloadCount(ctx context.Context) (int, error) {
	workloads, err := c.ListWorkloads(ctx)
	if err != nil {
		return 0, err
	}
	return len(workloads), nil
}

// WorkloadsMemoryGB estimates memory in use as the sum of per-pod memory
// limits. Actual usage would need the metrics API; the limit is the ceiling
// the scheduler reserves, which is what pool sizing cares about.
func (c *Client) WorkloadsMemoryGB(ctx context.Context) (float64, error) {
	workloads, err := c.ListWorkloads(ctx)
	if err != nil {
		return 0, err
	}

	perPod := 1.0
	if q, err := apiresource.ParseQuantity(c.settings.MemoryLimit); err == nil {
		perPod = float64(q.Value()) / (1 << 30)
	}
	return perPod * float64(len(workloads)), nil
}

func (c *Client) list(ctx context.Context, selector string) ([]runtime.WorkloadInfo, error) {
	podList, err := c.client.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to list pods: %v", err))
	}

	result := make([]runtime.WorkloadInfo, 0, len(podList.Items))
	for i := range podList.Items {
		pod := &podList.Items[i]
		if pod.Status.Phase != corev1.PodRunning && pod.Status.Phase != corev1.PodPending {
			continue
		}
		result = append(result, runtime.WorkloadInfo{
			ID:        pod.Name,
			Name:      pod.Name,
			SessionID: labels.SessionID(pod.Labels),
			Username:  labels.Username(pod.Labels),
			IP:        pod.Status.PodIP,
			Pool:      labels.IsPool(pod.Labels),
			CreatedAt: pod.CreationTimestamp.Time,
		})
	}
	return result, nil
}
