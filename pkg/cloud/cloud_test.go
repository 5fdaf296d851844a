package cloud_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/cloud/simulated"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/telemetry"
)

func TestCloudError_Classification(t *testing.T) {
	base := errors.New("connection reset")
	transient := cloud.NewTransientError("nova list failed", base).
		WithOperation(cloud.OpStartNode).
		WithResource("node1")

	wrapped := fmt.Errorf("failed to boot: %w", transient)
	if !cloud.IsTransient(wrapped) {
		t.Error("Expected wrapped error to be transient")
	}
	if cloud.IsPermanent(wrapped) {
		t.Error("Expected wrapped error not to be permanent")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Expected the cause to be reachable")
	}
	if !strings.Contains(transient.Error(), "transient") {
		t.Errorf("Expected class in message, got %s", transient.Error())
	}

	permanent := cloud.NewPermanentError("nova client not installed", nil)
	if !cloud.IsPermanent(permanent) || cloud.IsTransient(permanent) {
		t.Error("Expected permanent classification")
	}
	if cloud.IsTransient(base) || cloud.IsPermanent(base) {
		t.Error("Expected plain errors to be unclassified")
	}
}

func TestRegistry(t *testing.T) {
	reg := cloud.NewRegistry()
	reg.Register("simulated", func(context.Context) (cloud.Controller, error) {
		return simulated.New(), nil
	})
	reg.Register("broken", func(context.Context) (cloud.Controller, error) {
		return nil, errors.New("no credentials")
	})

	names := reg.Names()
	if len(names) != 2 || names[0] != "broken" || names[1] != "simulated" {
		t.Errorf("Expected sorted names, got %v", names)
	}

	ctx := context.Background()
	if _, err := reg.New(ctx, "simulated"); err != nil {
		t.Errorf("Expected simulated provider, got %v", err)
	}
	if _, err := reg.New(ctx, "broken"); err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Errorf("Expected factory error, got %v", err)
	}
	_, err := reg.New(ctx, "azure")
	if err == nil || !strings.Contains(err.Error(), "simulated") {
		t.Errorf("Expected unknown provider error listing providers, got %v", err)
	}
}

func TestInstrumented_RecordsCalls(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "capman"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	sim := simulated.New()
	c := cloud.NewInstrumented(sim, "simulated", metrics, nil, zerolog.Nop())
	if c.Unwrap() != sim {
		t.Error("Expected Unwrap to return the decorated controller")
	}

	ctx := context.Background()
	group := model.NewNodeGroup("default")
	node := model.NewNode(model.NodeSpec{Hostname: "node1", Image: "ubuntu", Flavor: "m1.small"})

	ip, err := c.StartNode(ctx, group, node)
	if err != nil || ip == "" {
		t.Fatalf("StartNode = %q, %v", ip, err)
	}

	sim.FailNext(cloud.OpRestartNode, 1)
	if ok, err := c.RestartNode(ctx, node); ok || err != nil {
		t.Errorf("Expected failed attempt, got %v, %v", ok, err)
	}

	sim.FaultOn(cloud.OpRetrieveRunningNodeCount, errors.New("api down"))
	if _, err := c.RetrieveRunningNodeCount(ctx); err == nil {
		t.Error("Expected fault to pass through")
	}

	count, err := testutil.GatherAndCount(metrics.Registry(), "capman_cloud_calls_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 cloud call series (ok, failed, error), got %d", count)
	}
	if sim.TotalCalls() != 3 {
		t.Errorf("Expected 3 calls to reach the controller, got %d", sim.TotalCalls())
	}
}
