package kubernetes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
	extensionsv1alpha1 "sigs.k8s.io/agent-sandbox/extensions/api/v1alpha1"
)

func newFakeClient(t *testing.T) client.Client {
	t.Helper()
	scheme, err := NewScheme()
	require.NoError(t, err)
	return fake.NewClientBuilder().WithScheme(scheme).WithStatusSubresource(&sandboxv1alpha1.Sandbox{}).Build()
}

// markReady plays the controller: it creates the Sandbox for a claim and
// sets its Ready condition.
func markReady(t *testing.T, c client.Client, name, fqdn string) {
	t.Helper()
	sb := &sandboxv1alpha1.Sandbox{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"}}
	if err := c.Create(context.Background(), sb); err != nil {
		t.Errorf("creating sandbox %s: %v", name, err)
		return
	}
	sb.Status.ServiceFQDN = fqdn
	sb.Status.Conditions = []metav1.Condition{{
		Type:               string(sandboxv1alpha1.SandboxConditionReady),
		Status:             metav1.ConditionTrue,
		LastTransitionTime: metav1.Now(),
		Reason:             "Ready",
	}}
	if err := c.Status().Update(context.Background(), sb); err != nil {
		t.Errorf("updating sandbox status %s: %v", name, err)
	}
}

func withClaimNames(t *testing.T, names func() string) {
	orig := claimName
	claimName = names
	t.Cleanup(func() { claimName = orig })
}

func claimExists(c client.Client, name string) bool {
	var claim extensionsv1alpha1.SandboxClaim
	return c.Get(context.Background(), client.ObjectKey{Name: name, Namespace: "default"}, &claim) == nil
}

func TestClaimAcquirer_AcquireAndRelease(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "claim-1" })
	acq := NewClaimAcquirer(c, Config{Template: "python-data", ReadyTimeout: 5 * time.Second, Port: 9000, PollInterval: 10 * time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		markReady(t, c, "claim-1", "sb-1.default.svc.cluster.local")
	}()

	url, release, err := acq.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://sb-1.default.svc.cluster.local:9000", url)

	var claim extensionsv1alpha1.SandboxClaim
	require.NoError(t, c.Get(context.Background(), client.ObjectKey{Name: "claim-1", Namespace: "default"}, &claim))
	assert.Equal(t, "python-data", claim.Spec.TemplateRef.Name)
	assert.Equal(t, "datachat", claim.Labels["app.kubernetes.io/managed-by"])

	release()
	assert.False(t, claimExists(c, "claim-1"))
}

func TestClaimAcquirer_TimeoutDeletesClaim(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "claim-timeout" })
	acq := NewClaimAcquirer(c, Config{ReadyTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	_, _, err := acq.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
	assert.False(t, claimExists(c, "claim-timeout"))
}

func TestClaimAcquirer_ContextCanceled(t *testing.T) {
	c := newFakeClient(t)
	withClaimNames(t, func() string { return "claim-cancel" })
	acq := NewClaimAcquirer(c, Config{ReadyTimeout: time.Minute, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := acq.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, claimExists(c, "claim-cancel"))
}

func TestClaimAcquirer_Concurrent(t *testing.T) {
	c := newFakeClient(t)
	var mu sync.Mutex
	n := 0
	withClaimNames(t, func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("claim-%d", n)
	})
	acq := NewClaimAcquirer(c, Config{ReadyTimeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})

	const count = 3
	go func() {
		time.Sleep(50 * time.Millisecond)
		for i := 1; i <= count; i++ {
			markReady(t, c, fmt.Sprintf("claim-%d", i), fmt.Sprintf("sb-%d.default.svc", i))
		}
	}()

	var wg sync.WaitGroup
	urls := make([]string, count)
	errs := make([]error, count)
	for i := range count {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var release func()
			urls[i], release, errs[i] = acq.Acquire(context.Background())
			if release != nil {
				release()
			}
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := range count {
		require.NoError(t, errs[i])
		assert.True(t, strings.HasSuffix(urls[i], ":8080"), urls[i])
		seen[urls[i]] = true
	}
	assert.Len(t, seen, count)
}

func TestClaimName(t *testing.T) {
	a, b := claimName(), claimName()
	assert.True(t, strings.HasPrefix(a, "datachat-ci-"))
	assert.Len(t, a, len("datachat-ci-")+12)
	assert.NotEqual(t, a, b)
}

func TestIsReady(t *testing.T) {
	ready := string(sandboxv1alpha1.SandboxConditionReady)
	tests := []struct {
		name       string
		conditions []metav1.Condition
		want       bool
	}{
		{"no conditions", nil, false},
		{"ready", []metav1.Condition{{Type: ready, Status: metav1.ConditionTrue}}, true},
		{"not ready", []metav1.Condition{{Type: ready, Status: metav1.ConditionFalse}}, false},
		{"other condition", []metav1.Condition{{Type: "Available", Status: metav1.ConditionTrue}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := &sandboxv1alpha1.Sandbox{Status: sandboxv1alpha1.SandboxStatus{Conditions: tt.conditions}}
			assert.Equal(t, tt.want, isReady(sb))
		})
	}
}
