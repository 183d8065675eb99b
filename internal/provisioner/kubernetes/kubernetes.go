// Package kubernetes provisions chat agents as a Secret + Deployment +
// Service triple in a dedicated namespace.
package kubernetes

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/agent-platform/control-api/internal/provisioner"
	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

// Options configure the agent workloads this backend creates.
type Options struct {
	Namespace string
	Image     string
	Domain    string
}

// Backend implements provisioner.Provisioner on top of a Kubernetes
// cluster.
type Backend struct {
	client kubernetes.Interface
	opts   Options
}

var _ provisioner.Provisioner = (*Backend)(nil)

// New wraps an existing clientset, which lets tests inject a fake.
func New(client kubernetes.Interface, opts Options) *Backend {
	return &Backend{client: client, opts: opts}
}

// LoadClient builds a clientset from the in-cluster config, falling back
// to the local kubeconfig.
func LoadClient() (*kubernetes.Clientset, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kube config: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

func secretName(id string) string { return id + "-secret" }

// Deploy creates the Secret, Deployment and Service for one agent. A 409
// on any object means a previous attempt got that far; the object is
// replaced and the whole deploy reports a Replaced outcome.
func (b *Backend) Deploy(ctx context.Context, spec *provisioner.Spec) (*provisioner.DeployResult, error) {
	outcome := provisioner.OutcomeCreated

	replacedSecret, err := b.applySecret(ctx, spec)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "create agent secret failed")
	}
	replacedDeploy, err := b.applyDeployment(ctx, spec)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "create agent deployment failed")
	}
	replacedService, err := b.applyService(ctx, spec.DeploymentID)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "create agent service failed")
	}
	if replacedSecret || replacedDeploy || replacedService {
		outcome = provisioner.OutcomeReplaced
	}

	logger.L().Info("agent deployed to kubernetes",
		zap.String("deployment_id", spec.DeploymentID),
		zap.String("namespace", b.opts.Namespace),
		zap.String("outcome", string(outcome)))

	return &provisioner.DeployResult{
		ExternalID: spec.DeploymentID,
		Endpoint:   fmt.Sprintf("https://%s/webhook/%s", b.opts.Domain, spec.DeploymentID),
		// Pods come up asynchronously; readiness is observed via GetStatus.
		Ready:   false,
		Outcome: outcome,
	}, nil
}

func (b *Backend) applySecret(ctx context.Context, spec *provisioner.Spec) (replaced bool, err error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      secretName(spec.DeploymentID),
			Namespace: b.opts.Namespace,
		},
		StringData: map[string]string{
			"BOT_TOKEN":       spec.BotToken,
			"OPENAI_API_KEY":  spec.OpenAIAPIKey,
			"OPENAI_ENDPOINT": spec.OpenAIEndpoint,
		},
	}

	_, err = b.client.CoreV1().Secrets(b.opts.Namespace).Create(ctx, secret, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		_, err = b.client.CoreV1().Secrets(b.opts.Namespace).Update(ctx, secret, metav1.UpdateOptions{})
		return true, err
	}
	return false, err
}

func secretEnv(id, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: key,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secretName(id)},
				Key:                  key,
			},
		},
	}
}

func (b *Backend) applyDeployment(ctx context.Context, spec *provisioner.Spec) (replaced bool, err error) {
	labels := map[string]string{"app": spec.DeploymentID, "type": "agent"}

	container := corev1.Container{
		Name:  "agent",
		Image: b.opts.Image,
		Ports: []corev1.ContainerPort{{ContainerPort: 8080}},
		Env: []corev1.EnvVar{
			{Name: "USER_ID", Value: spec.UserID},
			{Name: "MODEL", Value: spec.Model},
			secretEnv(spec.DeploymentID, "BOT_TOKEN"),
			secretEnv(spec.DeploymentID, "OPENAI_API_KEY"),
			secretEnv(spec.DeploymentID, "OPENAI_ENDPOINT"),
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("256Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("512Mi"),
			},
		},
	}

	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.DeploymentID,
			Namespace: b.opts.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{"app": spec.DeploymentID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"app": spec.DeploymentID},
				},
				Spec: corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}

	_, err = b.client.AppsV1().Deployments(b.opts.Namespace).Create(ctx, deploy, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		_, err = b.client.AppsV1().Deployments(b.opts.Namespace).Update(ctx, deploy, metav1.UpdateOptions{})
		return true, err
	}
	return false, err
}

func (b *Backend) applyService(ctx context.Context, id string) (replaced bool, err error) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      id,
			Namespace: b.opts.Namespace,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": id},
			Ports: []corev1.ServicePort{{
				Port:       80,
				TargetPort: intstr.FromInt32(8080),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}

	_, err = b.client.CoreV1().Services(b.opts.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		// Service ClusterIP is immutable; keeping the existing service is
		// equivalent for our selector-only spec.
		return true, nil
	}
	return false, err
}

func (b *Backend) GetStatus(ctx context.Context, externalID string) (provisioner.Status, error) {
	deploy, err := b.client.AppsV1().Deployments(b.opts.Namespace).Get(ctx, externalID, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return provisioner.StatusNotFound, nil
		}
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "read agent deployment failed")
	}

	switch {
	case deploy.Status.AvailableReplicas >= 1:
		return provisioner.StatusRunning, nil
	case deploy.Spec.Replicas != nil && *deploy.Spec.Replicas == 0:
		return provisioner.StatusStopped, nil
	default:
		return provisioner.StatusStarting, nil
	}
}

func (b *Backend) Delete(ctx context.Context, externalID string) error {
	del := metav1.DeleteOptions{}

	if err := b.client.AppsV1().Deployments(b.opts.Namespace).Delete(ctx, externalID, del); err != nil && !k8serrors.IsNotFound(err) {
		return appErr.Wrap(err, appErr.CodeUnavailable, "delete agent deployment failed")
	}
	if err := b.client.CoreV1().Services(b.opts.Namespace).Delete(ctx, externalID, del); err != nil && !k8serrors.IsNotFound(err) {
		return appErr.Wrap(err, appErr.CodeUnavailable, "delete agent service failed")
	}
	if err := b.client.CoreV1().Secrets(b.opts.Namespace).Delete(ctx, secretName(externalID), del); err != nil && !k8serrors.IsNotFound(err) {
		return appErr.Wrap(err, appErr.CodeUnavailable, "delete agent secret failed")
	}

	logger.L().Info("agent removed from kubernetes", zap.String("deployment_id", externalID))
	return nil
}

// Restart deletes the agent's pods; the Deployment controller recreates
// them.
func (b *Backend) Restart(ctx context.Context, externalID string) error {
	pods, err := b.client.CoreV1().Pods(b.opts.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + externalID,
	})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "list agent pods failed")
	}

	for _, pod := range pods.Items {
		if err := b.client.CoreV1().Pods(b.opts.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
			return appErr.Wrap(err, appErr.CodeUnavailable, "delete agent pod failed")
		}
	}

	logger.L().Info("agent restarted", zap.String("deployment_id", externalID), zap.Int("pods_deleted", len(pods.Items)))
	return nil
}
