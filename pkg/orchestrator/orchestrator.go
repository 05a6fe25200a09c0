package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/config"
	"github.com/sindef/replset-bootstrap/pkg/failure"
	"github.com/sindef/replset-bootstrap/pkg/mongo"
	"github.com/sindef/replset-bootstrap/pkg/orchestrator/state"
	"github.com/sindef/replset-bootstrap/pkg/probe"
)

// LocalHost is where the node's own database is reached before the replica
// set knows its address.
const LocalHost = "localhost"

// Resolver determines the address this node advertises to the replica set.
type Resolver interface {
	Resolve() (string, error)
}

// Discovery answers membership questions about the configured service.
type Discovery interface {
	MemberAddresses(ctx context.Context, service string) ([]string, error)
	AnyHealthy(ctx context.Context, service string) (bool, error)
}

// Admin runs administrative commands against a database target.
type Admin interface {
	RunCommand(ctx context.Context, target mongo.Target, cmd mongo.Command) (*mongo.Result, error)
}

// Observer is told about the progress of a run.
type Observer interface {
	StepFinished(step string, elapsed time.Duration, err error)
	RoleDecided(role state.Role, peer string)
	RunFinished(final state.State, err error)
}

type nopObserver struct{}

func (nopObserver) StepFinished(string, time.Duration, error) {}
func (nopObserver) RoleDecided(state.Role, string)           {}
func (nopObserver) RunFinished(state.State, error)           {}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = clk }
}

// WithObserver registers an observer for step timings and the outcome.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithRunID tags every log line of the run.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// Orchestrator takes the local node from a freshly started database to a
// replicating member of the replica set. It runs once; nothing is retried
// beyond the readiness probes and nothing is rolled back on failure.
type Orchestrator struct {
	config    *config.Config
	resolver  Resolver
	discovery Discovery
	admin     Admin
	clock     clock.Clock
	observer  Observer
	runID     string

	state   state.State
	role    state.Role
	address string
	peer    string
}

type step struct {
	name    string
	reaches state.State
	execute func(ctx context.Context) error
}

func New(cfg *config.Config, resolver Resolver, discovery Discovery, admin Admin, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:    cfg,
		resolver:  resolver,
		discovery: discovery,
		admin:     admin,
		clock:     clock.New(),
		observer:  nopObserver{},
		state:     state.Start,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the stage the last run reached.
func (o *Orchestrator) State() state.State {
	return o.state
}

// Role returns the role decided by the last run.
func (o *Orchestrator) Role() state.Role {
	return o.role
}

// Bootstrap runs every step in order and stops at the first failure. Two
// nodes that query the registry before either has registered will both
// found a replica set; no lock guards the decision.
//
// The local database is awaited before the registry is queried, so a
// registry error does not fail the run immediately: it surfaces only once
// the local serverStatus succeeded, which can take up to LocalDBTimeout.
// Until then serverStatus is the only command sent; such a run never sends
// a replica set command.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	steps := []step{
		{name: "resolve-address", reaches: state.LocalAddressResolved, execute: o.resolveAddress},
		{name: "await-local-db", reaches: state.LocalDbUp, execute: o.awaitLocalDB},
		{name: "decide-role", reaches: state.RoleDecided, execute: o.decideRole},
		{name: "apply-role", reaches: state.RoleApplied, execute: o.applyRole},
		{name: "await-replication", reaches: state.ReplicationReady, execute: o.awaitReplication},
		{name: "await-registry", reaches: state.RegistryConfirmed, execute: o.awaitRegistry},
	}

	klog.InfoS("Starting bootstrap",
		"runID", o.runID,
		"service", o.config.ServiceName,
		"replicaSet", o.config.ReplicaSet,
		"node", o.config.NodeName)

	for _, s := range steps {
		if o.config.Debug {
			klog.InfoS("Running step", "step", s.name, "from", o.state)
		}

		start := o.clock.Now()
		err := s.execute(ctx)
		o.observer.StepFinished(s.name, o.clock.Since(start), err)

		if err != nil {
			klog.ErrorS(err, "Bootstrap failed", "runID", o.runID, "step", s.name, "state", o.state)
			o.state = state.Failed
			o.observer.RunFinished(o.state, err)
			return fmt.Errorf("%s: %w", s.name, err)
		}
		o.state = s.reaches
	}

	o.state = state.Done
	klog.InfoS("Bootstrap complete",
		"runID", o.runID,
		"role", o.role,
		"address", o.address)
	o.observer.RunFinished(o.state, nil)

	return nil
}

func (o *Orchestrator) resolveAddress(ctx context.Context) error {
	addr, err := o.resolver.Resolve()
	if err != nil {
		return err
	}
	o.address = addr
	klog.InfoS("Resolved local address", "address", addr)
	return nil
}

func (o *Orchestrator) awaitLocalDB(ctx context.Context) error {
	p := probe.New(o.clock, o.config.LocalDBPollInterval)
	err := p.Await(ctx, "local-db", o.config.LocalDBTimeout, o.serverUp(o.localTarget()))
	return asTimeout(err, failure.ErrBootstrapTimeout)
}

func (o *Orchestrator) decideRole(ctx context.Context) error {
	peers, err := o.discovery.MemberAddresses(ctx, o.config.ServiceName)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		o.role = state.Founder
	} else {
		o.role = state.Joiner
		o.peer = peers[0]
	}

	if o.config.Debug {
		klog.InfoS("Decided role", "role", o.role, "peer", o.peer, "peers", peers)
	} else {
		klog.InfoS("Decided role", "role", o.role, "peer", o.peer)
	}
	o.observer.RoleDecided(o.role, o.peer)

	return nil
}

func (o *Orchestrator) applyRole(ctx context.Context) error {
	self := string(mongo.HostTarget(o.address, o.config.Port))

	var (
		target mongo.Target
		cmd    mongo.Command
	)
	switch o.role {
	case state.Founder:
		target = mongo.Target(self)
		cmd = mongo.Initiate{ReplicaSet: o.config.ReplicaSet, Host: self}
	case state.Joiner:
		target = mongo.ReplicaSetTarget(o.config.ReplicaSet, o.peer)
		cmd = mongo.AddMember{Host: self}
	default:
		return fmt.Errorf("%w: role not decided", failure.ErrRoleApplication)
	}

	klog.InfoS("Applying role", "role", o.role, "command", cmd.Name(), "target", target)

	res, err := o.admin.RunCommand(ctx, target, cmd)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", failure.ErrRoleApplication, cmd.Name(), err)
	}
	if res.ParseErr != nil {
		return fmt.Errorf("%w: %s: %w", failure.ErrRoleApplication, cmd.Name(), res.ParseErr)
	}
	if !res.OK {
		return fmt.Errorf("%w: %s rejected: %s", failure.ErrRoleApplication, cmd.Name(), res.Message)
	}

	return nil
}

// awaitReplication gives the database time to start reconfiguring, waits
// for it to accept commands again and then for the local member to become
// primary or secondary.
func (o *Orchestrator) awaitReplication(ctx context.Context) error {
	if o.config.SettleDelay > 0 {
		klog.V(2).InfoS("Waiting for reconfiguration to start", "delay", o.config.SettleDelay)
		o.clock.Sleep(o.config.SettleDelay)
	}

	p := probe.New(o.clock, o.config.PollInterval)
	target := o.localTarget()

	if err := p.Await(ctx, "server-up", o.config.ReplicationTimeout, o.serverUp(target)); err != nil {
		return asTimeout(err, failure.ErrBootstrapTimeout)
	}

	err := p.Await(ctx, "replication", o.config.ReplicationTimeout, o.replicating(target))
	return asTimeout(err, failure.ErrBootstrapTimeout)
}

func (o *Orchestrator) awaitRegistry(ctx context.Context) error {
	p := probe.New(o.clock, o.config.PollInterval)
	err := p.Await(ctx, "registry", o.config.RegistryTimeout, func(ctx context.Context) (bool, error) {
		return o.discovery.AnyHealthy(ctx, o.config.ServiceName)
	})
	return asTimeout(err, failure.ErrRegistryTimeout)
}

// Check reports whether the local node accepts commands and is a primary
// or secondary. It makes one attempt and does not wait.
func (o *Orchestrator) Check(ctx context.Context) error {
	target := o.localTarget()

	res, err := o.admin.RunCommand(ctx, target, mongo.ServerStatus{})
	if err != nil {
		return err
	}
	if res.ParseErr != nil {
		return fmt.Errorf("%w: %w", failure.ErrNotReady, res.ParseErr)
	}
	if !res.Ready() {
		return fmt.Errorf("%w: server status not ok: %s", failure.ErrNotReady, res.Message)
	}

	res, err = o.admin.RunCommand(ctx, target, mongo.ReplSetStatus{})
	if err != nil {
		return err
	}
	if res.ParseErr != nil {
		return fmt.Errorf("%w: %w", failure.ErrNotReady, res.ParseErr)
	}
	if !res.Replicating() {
		return fmt.Errorf("%w: member state %s", failure.ErrNotReady, res.MyState)
	}

	klog.V(2).InfoS("Node is replicating", "state", res.MyState)
	return nil
}

func (o *Orchestrator) localTarget() mongo.Target {
	return mongo.HostTarget(LocalHost, o.config.Port)
}

func (o *Orchestrator) serverUp(target mongo.Target) wait.ConditionWithContextFunc {
	return o.condition(target, mongo.ServerStatus{}, (*mongo.Result).Ready)
}

func (o *Orchestrator) replicating(target mongo.Target) wait.ConditionWithContextFunc {
	return o.condition(target, mongo.ReplSetStatus{}, (*mongo.Result).Replicating)
}

// condition runs cmd and applies ready to the result. An unreachable
// database or unparseable output only means "not ready yet"; anything else
// aborts the probe.
func (o *Orchestrator) condition(target mongo.Target, cmd mongo.Command, ready func(*mongo.Result) bool) wait.ConditionWithContextFunc {
	return func(ctx context.Context) (bool, error) {
		res, err := o.admin.RunCommand(ctx, target, cmd)
		if err != nil {
			if errors.Is(err, failure.ErrDatabaseUnreachable) {
				klog.V(2).InfoS("Database not reachable yet", "command", cmd.Name(), "target", target, "err", err)
				return false, nil
			}
			return false, err
		}
		if res.ParseErr != nil {
			klog.V(2).InfoS("Unparseable reply", "command", cmd.Name(), "err", res.ParseErr)
			return false, nil
		}

		if o.config.Debug && !ready(res) {
			klog.InfoS("Not ready", "command", cmd.Name(), "ok", res.OK, "myState", res.MyState, "message", res.Message)
		}
		return ready(res), nil
	}
}

// asTimeout classifies a probe timeout as the failure of the phase it
// guarded. Other errors pass through unchanged.
func asTimeout(err error, phase error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, failure.ErrProbeTimeout) {
		return fmt.Errorf("%w: %w", phase, err)
	}
	return err
}
