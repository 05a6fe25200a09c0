package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/failure"
	"github.com/sindef/replset-bootstrap/pkg/orchestrator/state"
)

// Registry holds the metrics of a single bootstrap run. The process exits
// when the run ends, so nothing is served; the metrics are written to a
// node_exporter textfile instead.
type Registry struct {
	registry *prometheus.Registry

	Info         *prometheus.GaugeVec
	StepDuration *prometheus.GaugeVec
	StepFailed   *prometheus.GaugeVec
	Role         *prometheus.GaugeVec
	FinalState   prometheus.Gauge
	ExitCode     prometheus.Gauge
	FinishedAt   prometheus.Gauge
}

// NewRegistry creates a registry for the run identified by runID.
func NewRegistry(runID, service, replicaSet string) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.Info = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_info",
			Help: "Identity of the last bootstrap run",
		},
		[]string{"run_id", "service", "replica_set"},
	)
	r.StepDuration = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_step_duration_seconds",
			Help: "Time spent in each bootstrap step",
		},
		[]string{"step"},
	)
	r.StepFailed = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_step_failed",
			Help: "1 for the step the run failed in",
		},
		[]string{"step"},
	)
	r.Role = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_role",
			Help: "Role taken by this node (founder or joiner)",
		},
		[]string{"role", "peer"},
	)
	r.FinalState = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_final_state",
			Help: "Numeric state the run ended in",
		},
	)
	r.ExitCode = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_exit_code",
			Help: "Exit code of the run",
		},
	)
	r.FinishedAt = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "replset_bootstrap_finished_timestamp_seconds",
			Help: "Unix time the run ended",
		},
	)

	r.Info.WithLabelValues(runID, service, replicaSet).Set(1)

	return r
}

// StepFinished records the duration of a step and whether it failed.
func (r *Registry) StepFinished(step string, elapsed time.Duration, err error) {
	r.StepDuration.WithLabelValues(step).Set(elapsed.Seconds())
	if err != nil {
		r.StepFailed.WithLabelValues(step).Set(1)
	}
}

func (r *Registry) RoleDecided(role state.Role, peer string) {
	r.Role.WithLabelValues(role.String(), peer).Set(1)
}

func (r *Registry) RunFinished(final state.State, err error) {
	r.FinalState.Set(float64(final))
	r.ExitCode.Set(float64(failure.ExitCode(err)))
	r.FinishedAt.SetToCurrentTime()
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	klog.V(2).InfoS("Wrote metrics textfile", "path", path)
	return nil
}
