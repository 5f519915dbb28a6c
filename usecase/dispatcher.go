package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/kavos113/ctf-instancer/domain"
)

type DispatcherConfig struct {
	DeployTimeout            time.Duration
	MaxConcurrentDeployments int64
	MaxInstancesPerUser      int
}

// Dispatcher owns all in-memory instance state. Every mutation goes through
// it: lifecycle requests are validated and transitioned synchronously, then a
// per-key worker drives the adapter. Exactly one adapter call is in flight
// per (user, challenge) key; unrelated keys run in parallel under a global
// ceiling that protects the host doing the provisioning work.
type Dispatcher struct {
	cfg        DispatcherConfig
	challenges map[string]*domain.Challenge
	instances  domain.InstanceRepository
	deployer   domain.Deployer
	hub        *Hub
	limiter    *RateLimiter
	clock      clockwork.Clock
	logger     *slog.Logger
	sem        *semaphore.Weighted

	mu      sync.Mutex
	entries map[domain.InstanceKey]*entry
	wg      sync.WaitGroup
}

// entry is the in-memory record for one key. Its mutex serializes the
// synchronous transition phase; the slow adapter call runs unlocked so
// conflicting requests can coalesce instead of blocking.
type entry struct {
	mu        sync.Mutex
	key       domain.InstanceKey
	challenge *domain.Challenge
	state     domain.InstanceState
	details   string
	stopTime  *time.Time
	deferred  *domain.ActionRequest
	running   bool
}

func NewDispatcher(
	cfg DispatcherConfig,
	challenges map[string]*domain.Challenge,
	instances domain.InstanceRepository,
	deployer domain.Deployer,
	hub *Hub,
	limiter *RateLimiter,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.MaxConcurrentDeployments <= 0 {
		cfg.MaxConcurrentDeployments = int64(len(challenges)) + 1
	}

	return &Dispatcher{
		cfg:        cfg,
		challenges: challenges,
		instances:  instances,
		deployer:   deployer,
		hub:        hub,
		limiter:    limiter,
		clock:      clock,
		logger:     logger,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentDeployments),
		entries:    make(map[domain.InstanceKey]*entry),
	}
}

// Submit validates and applies one lifecycle request. A nil return means the
// request was accepted (possibly as an idempotent no-op or a deferred
// follow-up); a non-nil return is a synchronous rejection with no state side
// effect.
func (d *Dispatcher) Submit(ctx context.Context, req domain.ActionRequest) error {
	challenge, ok := d.challenges[req.ChallengeID]
	if !ok {
		return domain.ErrUnknownChallenge
	}
	if _, ok := domain.ParseAction(string(req.Action)); !ok {
		return domain.ErrUnknownAction
	}

	if !req.Synthetic && !d.limiter.Allow(req.UserID) {
		return domain.ErrRateLimited
	}

	e := d.entry(req.UserID, challenge)

	e.mu.Lock()
	defer e.mu.Unlock()
	return d.applyLocked(ctx, e, req)
}

func (d *Dispatcher) entry(userID string, challenge *domain.Challenge) *entry {
	key := domain.InstanceKey{UserID: userID, ChallengeID: challenge.ID}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		e = &entry{key: key, challenge: challenge, state: domain.StateStopped}
		d.entries[key] = e
	}
	return e
}

func (d *Dispatcher) applyLocked(ctx context.Context, e *entry, req domain.ActionRequest) error {
	tr := domain.Apply(e.state, req.Action)

	switch tr.Decision {
	case domain.DecisionReject:
		return tr.Err

	case domain.DecisionNoop:
		// Re-kick in case a queued command lost its worker to a persistence
		// failure earlier.
		d.kickLocked(e)
		return nil

	case domain.DecisionDefer:
		// A forced cleanup is resolving an Error; replay once it is done.
		e.deferred = &req
		// No active worker means the previous forced stop never reached
		// storage. Retry it now so the key can settle.
		if !e.running {
			d.settleErrorLocked(ctx, e)
		}
		return nil

	case domain.DecisionExtend:
		base := d.clock.Now()
		if e.stopTime != nil {
			base = *e.stopTime
		}
		stop := base.Add(e.challenge.TTL)

		var extended bool
		err := d.persist(ctx, func() error {
			var err error
			extended, err = d.instances.ExtendStopTime(ctx, e.key.UserID, e.key.ChallengeID, stop)
			return err
		})
		if err != nil {
			d.logger.Error("failed to persist extension", slog.Any("error", err))
			return domain.ErrPersistence
		}
		if !extended {
			return &domain.ConflictError{State: e.state, Action: req.Action}
		}

		e.stopTime = &stop
		d.notifyLocked(e)
		return nil

	case domain.DecisionTransition:
		if e.state == domain.StateStopped {
			var res domain.StartResult
			err := d.persist(ctx, func() error {
				var err error
				res, err = d.instances.CreateQueued(ctx, e.key.UserID, e.key.ChallengeID, d.cfg.MaxInstancesPerUser)
				return err
			})
			if err != nil {
				d.logger.Error("failed to persist start", slog.Any("error", err))
				return domain.ErrPersistence
			}
			switch res {
			case domain.StartLimitReached:
				return domain.ErrInstanceLimit
			case domain.StartConflict:
				return &domain.ConflictError{State: e.state, Action: req.Action}
			}
			e.details = ""
			e.stopTime = nil
		} else {
			err := d.persist(ctx, func() error {
				return d.instances.UpdateState(ctx, e.key.UserID, e.key.ChallengeID, tr.Next)
			})
			if err != nil {
				d.logger.Error("failed to persist transition", slog.Any("error", err))
				return domain.ErrPersistence
			}
		}

		e.state = tr.Next
		d.notifyLocked(e)
		d.kickLocked(e)
		return nil

	default:
		return domain.ErrUnknownAction
	}
}

// kickLocked hands the key to its worker if none is active. The worker keeps
// looping while the entry sits in a queued state, which is how coalesced
// follow-ups run without a second goroutine.
func (d *Dispatcher) kickLocked(e *entry) {
	if e.running || !e.state.Queued() {
		return
	}
	e.running = true
	d.wg.Add(1)
	go d.work(e)
}

func (d *Dispatcher) work(e *entry) {
	defer d.wg.Done()
	ctx := context.Background()

	for {
		e.mu.Lock()
		cmd, ok := domain.CommandFor(e.state)
		if !ok {
			e.running = false
			e.mu.Unlock()
			return
		}

		inflight := domain.InFlightState(cmd)
		err := d.persist(ctx, func() error {
			return d.instances.UpdateState(ctx, e.key.UserID, e.key.ChallengeID, inflight)
		})
		if err != nil {
			// The queued command is still durable; a later request or the
			// next restart will pick it up again.
			d.logger.Error("failed to persist in-flight state",
				slog.String("user_id", e.key.UserID),
				slog.String("challenge_id", e.key.ChallengeID),
				slog.Any("error", err))
			d.hub.NotifyUser(e.key.UserID, "A storage error interrupted the operation. Please retry.", SeverityError)
			e.running = false
			e.mu.Unlock()
			return
		}
		e.state = inflight
		d.notifyLocked(e)
		e.mu.Unlock()

		details, err := d.invoke(ctx, cmd, e.challenge, domain.UserToken(e.key.UserID))

		e.mu.Lock()
		if err != nil {
			d.failLocked(ctx, e, cmd, err)
			e.mu.Unlock()
			continue
		}

		if e.state != inflight {
			// A conflicting request coalesced while the call was in flight;
			// run it immediately so the instance is never left unattended.
			e.mu.Unlock()
			continue
		}

		d.succeedLocked(ctx, e, cmd, details)
		e.mu.Unlock()
	}
}

// invoke runs one adapter command under the global ceiling and the deploy
// timeout. The designated unsupported outcome is success with no details.
func (d *Dispatcher) invoke(ctx context.Context, cmd domain.DeployCommand, challenge *domain.Challenge, userToken string) (string, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer d.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, d.cfg.DeployTimeout)
	defer cancel()

	details, err := d.deployer.Invoke(cctx, cmd, challenge, userToken)
	if errors.Is(err, domain.ErrUnsupported) {
		return "", nil
	}
	return details, err
}

func (d *Dispatcher) succeedLocked(ctx context.Context, e *entry, cmd domain.DeployCommand, details string) {
	switch cmd {
	case domain.CommandStart:
		stop := d.clock.Now().Add(e.challenge.TTL)
		err := d.persist(ctx, func() error {
			return d.instances.MarkRunning(ctx, e.key.UserID, e.key.ChallengeID, details, stop)
		})
		if err != nil {
			// The resource is up but unrecorded; tear it down so durable
			// state never diverges from the real world.
			d.failLocked(ctx, e, cmd, fmt.Errorf("recording running instance: %w", err))
			return
		}
		e.state = domain.StateRunning
		e.details = details
		e.stopTime = &stop
		d.notifyLocked(e)
		d.hub.NotifyUser(e.key.UserID, fmt.Sprintf("Challenge %s has been started!", e.challenge.Name), SeveritySuccess)

	case domain.CommandRestart:
		err := d.persist(ctx, func() error {
			return d.instances.UpdateState(ctx, e.key.UserID, e.key.ChallengeID, domain.StateRunning)
		})
		if err != nil {
			d.failLocked(ctx, e, cmd, fmt.Errorf("recording restarted instance: %w", err))
			return
		}
		e.state = domain.StateRunning
		d.notifyLocked(e)
		d.hub.NotifyUser(e.key.UserID, fmt.Sprintf("Challenge %s has been restarted!", e.challenge.Name), SeveritySuccess)

	case domain.CommandStop:
		err := d.persist(ctx, func() error {
			return d.instances.MarkStopped(ctx, e.key.UserID, e.key.ChallengeID)
		})
		if err != nil {
			d.failLocked(ctx, e, cmd, fmt.Errorf("recording stopped instance: %w", err))
			return
		}
		e.state = domain.StateStopped
		e.details = ""
		e.stopTime = nil
		d.notifyLocked(e)
		d.hub.NotifyUser(e.key.UserID, fmt.Sprintf("Challenge %s has been stopped.", e.challenge.Name), SeverityInfo)
	}

	d.replayDeferredLocked(ctx, e)
}

// failLocked resolves any adapter failure: the record passes through Error,
// a best-effort cleanup tears down whatever half-provisioned resource may
// exist, and the record is forced to Stopped. If the forced stop cannot be
// persisted the entry stays on Error, matching the durable row, until
// settleErrorLocked lands it. Enters and leaves with e.mu held; the cleanup
// call itself runs unlocked.
func (d *Dispatcher) failLocked(ctx context.Context, e *entry, cmd domain.DeployCommand, cause error) {
	d.logger.Error("deployment command failed",
		slog.String("command", string(cmd)),
		slog.String("user_id", e.key.UserID),
		slog.String("challenge_id", e.key.ChallengeID),
		slog.Any("error", cause))

	if err := d.persist(ctx, func() error {
		return d.instances.UpdateState(ctx, e.key.UserID, e.key.ChallengeID, domain.StateError)
	}); err != nil {
		d.logger.Error("failed to persist error state", slog.Any("error", err))
	}
	e.state = domain.ApplyOutcome(e.state, false)
	d.notifyLocked(e)

	e.mu.Unlock()
	if _, err := d.invoke(ctx, domain.CommandCleanup, e.challenge, domain.UserToken(e.key.UserID)); err != nil {
		// Cleanup is best-effort and never fails the surrounding operation.
		d.logger.Error("cleanup failed",
			slog.String("user_id", e.key.UserID),
			slog.String("challenge_id", e.key.ChallengeID),
			slog.Any("error", err))
	}
	e.mu.Lock()

	if err := d.persist(ctx, func() error {
		return d.instances.MarkStopped(ctx, e.key.UserID, e.key.ChallengeID)
	}); err != nil {
		// The durable row still says error; forcing the memory copy to
		// Stopped would let the two diverge. Stay on Error and keep any
		// deferred request for the retry.
		d.logger.Error("failed to persist forced stop",
			slog.String("user_id", e.key.UserID),
			slog.String("challenge_id", e.key.ChallengeID),
			slog.Any("error", err))
		d.hub.NotifyUser(e.key.UserID,
			fmt.Sprintf("Challenge %s could not be %sed and a storage error blocked the cleanup. Please retry.", e.challenge.Name, cmd),
			SeverityError)
		return
	}
	e.state = domain.StateStopped
	e.details = ""
	e.stopTime = nil
	d.notifyLocked(e)
	d.hub.NotifyUser(e.key.UserID,
		fmt.Sprintf("Challenge %s could not be %sed. Contact an administrator if the error persists.", e.challenge.Name, cmd),
		SeverityError)

	d.replayDeferredLocked(ctx, e)
}

// settleErrorLocked retries the forced stop that failLocked could not
// persist. Until the write lands the entry stays on Error.
func (d *Dispatcher) settleErrorLocked(ctx context.Context, e *entry) {
	if err := d.persist(ctx, func() error {
		return d.instances.MarkStopped(ctx, e.key.UserID, e.key.ChallengeID)
	}); err != nil {
		d.logger.Error("failed to persist forced stop",
			slog.String("user_id", e.key.UserID),
			slog.String("challenge_id", e.key.ChallengeID),
			slog.Any("error", err))
		d.hub.NotifyUser(e.key.UserID, "A storage error interrupted the operation. Please retry.", SeverityError)
		return
	}
	e.state = domain.StateStopped
	e.details = ""
	e.stopTime = nil
	d.notifyLocked(e)
	d.replayDeferredLocked(ctx, e)
}

func (d *Dispatcher) replayDeferredLocked(ctx context.Context, e *entry) {
	if e.deferred == nil {
		return
	}
	req := *e.deferred
	e.deferred = nil

	if err := d.applyLocked(ctx, e, req); err != nil {
		d.hub.NotifyUser(e.key.UserID, RejectionNotice(err), SeverityWarning)
	}
}

// notifyLocked publishes the entry's current state. Details are only
// surfaced while Running.
func (d *Dispatcher) notifyLocked(e *entry) {
	details := ""
	if e.state == domain.StateRunning {
		details = e.details
	}
	d.hub.StateChange(e.key.UserID, e.key.ChallengeID, e.state, details, e.stopTime)
}

const persistRetries = 3

// persist applies a durable write with a bounded local retry. When retries
// are exhausted the attempted transition is treated as not having happened:
// callers leave the in-memory state untouched and surface the failure.
func (d *Dispatcher) persist(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, persistRetries), ctx))
}

// UserInstances snapshots the records of one user for a listing.
func (d *Dispatcher) UserInstances(userID string) []domain.Instance {
	d.mu.Lock()
	entries := make([]*entry, 0, 4)
	for key, e := range d.entries {
		if key.UserID == userID {
			entries = append(entries, e)
		}
	}
	d.mu.Unlock()

	instances := make([]domain.Instance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		inst := domain.Instance{
			UserID:      e.key.UserID,
			ChallengeID: e.key.ChallengeID,
			State:       e.state,
			StopTime:    e.stopTime,
		}
		if e.state == domain.StateRunning {
			inst.Details = e.details
		}
		e.mu.Unlock()
		instances = append(instances, inst)
	}
	return instances
}

// ExpiredRunning lists keys whose running instance has outlived its deadline.
func (d *Dispatcher) ExpiredRunning(now time.Time) []domain.InstanceKey {
	d.mu.Lock()
	entries := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	var expired []domain.InstanceKey
	for _, e := range entries {
		e.mu.Lock()
		if e.state == domain.StateRunning && e.stopTime != nil && !e.stopTime.After(now) {
			expired = append(expired, e.key)
		}
		e.mu.Unlock()
	}
	return expired
}

// Reconcile resolves records left behind by a previous process. Any record
// persisted in a transitional state reflects an interrupted operation of
// unknown real-world outcome: its key gets a cleanup and the record is forced
// to Stopped before any new action is accepted. Running records are loaded so
// the reaper picks their deadlines back up. Non-stopped records whose
// challenge left the catalog are stopped too, so their instance slots do not
// leak.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	records, err := d.instances.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instances for reconciliation: %w", err)
	}

	for _, rec := range records {
		challenge, known := d.challenges[rec.ChallengeID]

		if !known {
			if rec.State == domain.StateStopped {
				continue
			}
			// The catalog no longer defines this challenge, so no adapter can
			// tear it down. Release the record and its instance slot and leave
			// any leftover resource to the operator.
			d.logger.Warn("stopping record for retired challenge",
				slog.String("user_id", rec.UserID),
				slog.String("challenge_id", rec.ChallengeID),
				slog.String("state", string(rec.State)))

			err := d.persist(ctx, func() error {
				return d.instances.MarkStopped(ctx, rec.UserID, rec.ChallengeID)
			})
			if err != nil {
				return fmt.Errorf("failed to reconcile %s/%s: %w", rec.UserID, rec.ChallengeID, err)
			}
			continue
		}

		if rec.State.Transitional() {
			d.logger.Warn("reconciling interrupted instance",
				slog.String("user_id", rec.UserID),
				slog.String("challenge_id", rec.ChallengeID),
				slog.String("state", string(rec.State)))

			if _, err := d.invoke(ctx, domain.CommandCleanup, challenge, domain.UserToken(rec.UserID)); err != nil {
				d.logger.Error("reconciliation cleanup failed",
					slog.String("challenge_id", rec.ChallengeID),
					slog.Any("error", err))
			}

			err := d.persist(ctx, func() error {
				return d.instances.MarkStopped(ctx, rec.UserID, rec.ChallengeID)
			})
			if err != nil {
				return fmt.Errorf("failed to reconcile %s/%s: %w", rec.UserID, rec.ChallengeID, err)
			}
			rec.State = domain.StateStopped
			rec.Details = ""
			rec.StopTime = nil
		}

		e := d.entry(rec.UserID, challenge)
		e.mu.Lock()
		e.state = rec.State
		e.details = rec.Details
		e.stopTime = rec.StopTime
		e.mu.Unlock()
	}

	return nil
}

// Wait blocks until every per-key worker has drained its queued commands.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// RejectionNotice renders a synchronous rejection for the dashboard.
func RejectionNotice(err error) string {
	var conflict *domain.ConflictError
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "You are sending actions too quickly. Wait a moment and retry."
	case errors.Is(err, domain.ErrInstanceLimit):
		return "You have reached the maximum number of simultaneous instances. Stop one first."
	case errors.Is(err, domain.ErrPersistence):
		return "A storage error interrupted the action. Please retry."
	case errors.As(err, &conflict):
		return fmt.Sprintf("This action is not available right now (%s).", conflict.State)
	default:
		return "The action could not be processed."
	}
}
