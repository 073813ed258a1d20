// Package kubernetes acquires sandbox servers on a cluster through
// agent-sandbox SandboxClaim resources.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"

	"github.com/rhuss/datachat/pkg/codeinterpreter/sandbox"
	"github.com/rhuss/datachat/pkg/debug"
)

const (
	DefaultPort         = 8080
	DefaultReadyTimeout = 2 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
)

var _ sandbox.Acquirer = (*ClaimAcquirer)(nil)

// Config selects the sandbox template and how long to wait for it.
type Config struct {
	Template     string
	Namespace    string
	ReadyTimeout time.Duration
	Port         int

	PollInterval time.Duration
}

// ClaimAcquirer creates one SandboxClaim per acquisition. The URL points at
// the service of the Sandbox the controller creates for the claim; release
// deletes the claim and with it the pod.
type ClaimAcquirer struct {
	client client.Client
	cfg    Config
}

// NewClaimAcquirer returns an acquirer using c for all API calls.
func NewClaimAcquirer(c client.Client, cfg Config) *ClaimAcquirer {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &ClaimAcquirer{client: c, cfg: cfg}
}

// NewScheme returns a runtime.Scheme with the agent-sandbox types registered.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := sandboxv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register sandbox types: %w", err)
	}
	if err := extensionsv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register extensions types: %w", err)
	}
	return scheme, nil
}

func (a *ClaimAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	name := claimName()

	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.cfg.Namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "datachat"},
		},
		Spec: extensionsv1alpha1.SandboxClaimSpec{
			TemplateRef: extensionsv1alpha1.SandboxTemplateRef{Name: a.cfg.Template},
		},
	}
	if err := a.client.Create(ctx, claim); err != nil {
		return "", nil, fmt.Errorf("create SandboxClaim %q: %w", name, err)
	}
	debug.Log("interpreter", "created SandboxClaim", "name", name, "namespace", a.cfg.Namespace, "template", a.cfg.Template)

	fqdn, err := a.waitForReady(ctx, name)
	if err != nil {
		a.deleteClaim(context.Background(), name)
		return "", nil, err
	}

	url := fmt.Sprintf("http://%s:%d", fqdn, a.cfg.Port)
	slog.Info("sandbox acquired", "claim", name, "url", url)
	return url, func() { a.deleteClaim(context.Background(), name) }, nil
}

// waitForReady polls the Sandbox named after the claim until it reports
// Ready with a service FQDN.
func (a *ClaimAcquirer) waitForReady(ctx context.Context, name string) (string, error) {
	deadline := time.NewTimer(a.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	key := types.NamespacedName{Name: name, Namespace: a.cfg.Namespace}
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for Sandbox %q: %w", name, ctx.Err())
		case <-deadline.C:
			return "", fmt.Errorf("sandbox %q not ready after %s", name, a.cfg.ReadyTimeout)
		case <-ticker.C:
		}

		var sb sandboxv1alpha1.Sandbox
		if err := a.client.Get(ctx, key, &sb); err != nil {
			// The controller may not have created it yet.
			debug.Trace("interpreter", "waiting for Sandbox", "name", name, "error", err)
			continue
		}
		if isReady(&sb) && sb.Status.ServiceFQDN != "" {
			return sb.Status.ServiceFQDN, nil
		}
	}
}

func isReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

// deleteClaim only logs failures; it runs from release and cleanup paths.
func (a *ClaimAcquirer) deleteClaim(ctx context.Context, name string) {
	claim := &extensionsv1alpha1.SandboxClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: a.cfg.Namespace},
	}
	if err := a.client.Delete(ctx, claim); err != nil {
		slog.Warn("deleting SandboxClaim failed", "name", name, "namespace", a.cfg.Namespace, "error", err)
		return
	}
	debug.Log("interpreter", "deleted SandboxClaim", "name", name)
}

// claimName is swapped in tests.
var claimName = func() string {
	return "datachat-ci-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
