// Package fleetsize provides an optional Kubernetes-backed hint for how
// many workers are in this application's fleet, adapted from the
// teacher's KDSLeaseManager.GetWorkerCount. It is a startup-time sizing
// hint only: the lease taker computes W from live lease ownership on
// every pass (spec.md §4.3 step 3) regardless of whether this package is
// wired in at all.
package fleetsize

import (
	"context"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// Provider reports a best-effort worker count for the current pod's
// deployment/statefulset.
type Provider struct {
	client    kubernetes.Interface
	namespace string
	podName   string
	logger    *logrus.Entry
}

// NewInCluster builds a Provider from in-cluster config. Returns a
// Provider with a nil client (Count returns the FLEETSIZE_WORKER_COUNT
// override if set, otherwise 1) if not
// running inside a cluster, matching the teacher's graceful-degradation
// behavior rather than failing startup over an optional hint.
func NewInCluster(logger *logrus.Entry) *Provider {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Provider{
		namespace: podNamespace(),
		podName:   os.Getenv("HOSTNAME"),
		logger:    logger,
	}

	cfg, err := rest.InClusterConfig()
	if err != nil {
		logger.WithError(err).Warn("not running in-cluster, fleet size hint disabled")
		return p
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		logger.WithError(err).Warn("failed to build k8s client, fleet size hint disabled")
		return p
	}
	p.client = client
	return p
}

func podNamespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	if b, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return string(b)
	}
	return "default"
}

// Count returns the owning StatefulSet's or ReplicaSet's replica count for
// the current pod. An FLEETSIZE_WORKER_COUNT environment variable
// override, when set to a positive integer, always wins (mirrors the
// teacher's KDS_WORKER_COUNT escape hatch for local/manual runs). Falls
// back to 1 whenever the count can't be determined.
func (p *Provider) Count(ctx context.Context) int {
	if v := os.Getenv("FLEETSIZE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}

	if p.client == nil || p.podName == "" {
		return 1
	}

	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, p.podName, metav1.GetOptions{})
	if err != nil {
		p.logger.WithError(err).Warn("failed to get own pod, defaulting fleet size to 1")
		return 1
	}

	for _, owner := range pod.OwnerReferences {
		switch owner.Kind {
		case "StatefulSet":
			ss, err := p.client.AppsV1().StatefulSets(p.namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err == nil && ss.Spec.Replicas != nil {
				return int(*ss.Spec.Replicas)
			}
		case "ReplicaSet":
			rs, err := p.client.AppsV1().ReplicaSets(p.namespace).Get(ctx, owner.Name, metav1.GetOptions{})
			if err == nil && rs.Spec.Replicas != nil {
				return int(*rs.Spec.Replicas)
			}
		}
	}

	return 1
}

// SeedMaxLeasesPerWorker computes a starting MaxLeasesPerWorker value from
// a shard count and this fleet's worker count, capped at cap. This only
// seeds the taker's configured ceiling at startup; it never substitutes
// for the taker's own per-pass W computation.
func SeedMaxLeasesPerWorker(shardCount, workerCount, cap int) int {
	if workerCount <= 0 {
		workerCount = 1
	}
	perWorker := (shardCount + workerCount - 1) / workerCount
	if perWorker > cap {
		return cap
	}
	if perWorker < 1 {
		return 1
	}
	return perWorker
}
