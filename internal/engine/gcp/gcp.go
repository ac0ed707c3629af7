// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine: every Start creates one VM from a pre-built runner image.
// The image's startup script is responsible for registering the runner,
// servicing one job and deleting its own instance.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/jobtrigger/internal/engine"
	"github.com/terrpan/jobtrigger/internal/errs"
)

// RunIDMetadataKey is the instance metadata key carrying the run id.
const RunIDMetadataKey = "TRIGGER_RUN_ID"

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/jobtrigger-runner-1234567890"
	//   "projects/my-project/global/images/family/jobtrigger-runner"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of compute.InstancesClient the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Close() error
}

type instancesClient struct {
	c *compute.InstancesClient
}

func (i instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := i.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (i instancesClient) Close() error { return i.c.Close() }

// Engine starts runner executions as GCP Compute Engine VMs.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	e := newEngine(instancesClient{c: client}, cfg, logger)

	logger.Info("gcp engine initialized",
		slog.String("project", e.cfg.Project),
		slog.String("zone", e.cfg.Zone),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("image", e.cfg.Image),
	)
	return e, nil
}

func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("jobtrigger/engine/gcp"),
	}
}

// Target describes where runner VMs are created.
func (e *Engine) Target() string {
	return fmt.Sprintf("projects/%s/zones/%s/instances", e.cfg.Project, e.cfg.Zone)
}

// Start creates a runner VM.  The run id is passed via instance metadata
// so the startup script can read it.  A blocking Start waits for the insert
// operation to finish and returns the instance name as the confirmed id.
func (e *Engine) Start(ctx context.Context, runID string, wait bool) (engine.Handle, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Start")
	defer span.End()

	if e.cfg.Project == "" || e.cfg.Zone == "" || e.cfg.Image == "" {
		return nil, errs.Configuration("gcp engine requires project, zone and image")
	}

	name := InstanceName(runID)
	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("trigger.run_id", runID),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	e.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: e.instance(name, runID),
	})
	if err != nil {
		return nil, errs.Platform(fmt.Errorf("insert instance %s: %w", name, err))
	}

	if !wait {
		span.AddEvent("insert acknowledged")
		return engine.NewSubmitted(runID), nil
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return nil, errs.Platform(fmt.Errorf("waiting for instance %s: %w", name, err))
	}

	e.logger.Info("runner VM started",
		slog.String("name", name),
		slog.String("zone", e.cfg.Zone),
	)
	return engine.Confirmed{ExecutionID: name}, nil
}

func (e *Engine) instance(name, runID string) *computepb.Instance {
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{{
			Name: proto.String("External NAT"),
			Type: proto.String("ONE_TO_ONE_NAT"),
		}}
	}

	inst := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{{
				Key:   proto.String(RunIDMetadataKey),
				Value: proto.String(runID),
			}},
		},
		Labels: map[string]string{"managed-by": "jobtrigger"},
	}

	if e.cfg.ServiceAccount != "" {
		inst.ServiceAccounts = []*computepb.ServiceAccount{{
			Email:  proto.String(e.cfg.ServiceAccount),
			Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
		}}
	}
	return inst
}

// Close closes the instances client.
func (e *Engine) Close() error {
	return e.client.Close()
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// InstanceName derives a valid Compute Engine instance name from runID:
// lowercase letters, digits and hyphens, starting with a letter, at most
// 63 characters.
func InstanceName(runID string) string {
	name := "runner-" + invalidNameChars.ReplaceAllString(strings.ToLower(runID), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}
