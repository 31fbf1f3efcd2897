package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"

	"github.com/aegis-sre/aegis/internal/cluster"
	aegiserrors "github.com/aegis-sre/aegis/internal/errors"
	"github.com/aegis-sre/aegis/internal/metrics"
	"github.com/aegis-sre/aegis/internal/models"
	"github.com/aegis-sre/aegis/internal/shadow"
)

// Snapshot preserves the deployment state from just before an apply, so
// the rollback watcher can restore it without consulting history.
type Snapshot struct {
	Deployment *appsv1.Deployment
	TakenAt    time.Time
}

// Applier pushes a verified fix to the real cluster. Only deployments
// are applied automatically; everything else stays manual.
type Applier struct {
	cluster *cluster.Client
	metrics *metrics.Set
}

func NewApplier(clusterClient *cluster.Client, m *metrics.Set) *Applier {
	return &Applier{cluster: clusterClient, metrics: m}
}

// Apply translates and applies the proposal to the incident's resource.
// The pre-apply snapshot is taken first; on any failure the cluster is
// left for the operator rather than half-restored here.
func (a *Applier) Apply(ctx context.Context, incident *models.Incident, proposal *models.FixProposal) (*Snapshot, error) {
	if incident.Resource.Kind != "Deployment" {
		return nil, aegiserrors.New(aegiserrors.KindValidation, "apply_fix", incident.Resource.String(),
			fmt.Errorf("automated apply supports deployments only: %w", aegiserrors.ErrUnsupportedChange))
	}

	changes, err := shadow.ChangesFromProposal(proposal)
	if err != nil {
		a.metrics.RecordFixApplied(string(proposal.Kind), incident.Resource.Namespace, false)
		return nil, err
	}

	ns, name := incident.Resource.Namespace, incident.Resource.Name
	current, err := a.cluster.GetDeployment(ctx, ns, name)
	if err != nil {
		a.metrics.RecordFixApplied(string(proposal.Kind), ns, false)
		return nil, err
	}
	snapshot := &Snapshot{Deployment: current.DeepCopy(), TakenAt: time.Now()}

	if err := a.applyChanges(ctx, ns, name, changes); err != nil {
		a.metrics.RecordFixApplied(string(proposal.Kind), ns, false)
		return snapshot, err
	}

	a.metrics.RecordFixApplied(string(proposal.Kind), ns, true)
	return snapshot, nil
}

func (a *Applier) applyChanges(ctx context.Context, ns, name string, changes map[string]interface{}) error {
	if patch, ok := changes[shadow.ChangePatch].(string); ok {
		if err := a.cluster.PatchDeployment(ctx, ns, name, []byte(patch)); err != nil {
			return err
		}
	}
	if replicas, ok := changes[shadow.ChangeReplicas].(int); ok {
		if err := a.cluster.ScaleDeployment(ctx, ns, name, int32(replicas)); err != nil {
			return err
		}
	}
	if shadow.NeedsTemplateUpdate(changes) {
		dep, err := a.cluster.GetDeployment(ctx, ns, name)
		if err != nil {
			return err
		}
		shadow.ApplyTemplateChanges(&dep.Spec.Template.Spec, changes)
		if err := a.cluster.UpdateDeployment(ctx, ns, dep); err != nil {
			return err
		}
	}
	return nil
}

// Rollback restores the snapshot through a strategic-merge patch of the
// saved spec, which sidesteps resource-version conflicts with whatever
// the apply changed.
func (a *Applier) Rollback(ctx context.Context, incident *models.Incident, snapshot *Snapshot, reason string) error {
	if snapshot == nil || snapshot.Deployment == nil {
		return aegiserrors.WrapValidation("rollback_fix", aegiserrors.ErrInvalidInput)
	}
	payload, err := json.Marshal(map[string]interface{}{"spec": snapshot.Deployment.Spec})
	if err != nil {
		return fmt.Errorf("marshal snapshot spec: %w", err)
	}
	ns, name := incident.Resource.Namespace, incident.Resource.Name
	if err := a.cluster.PatchDeployment(ctx, ns, name, payload); err != nil {
		return err
	}
	a.metrics.RecordRollback(incident.Resource.Kind, ns, reason)
	return nil
}
