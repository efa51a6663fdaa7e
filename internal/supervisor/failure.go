package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"scalestack/internal/events"
	"scalestack/internal/services"
	"scalestack/pkg/logging"
)

var errExited = errors.New("run loop exited")

// watch starts the background checks of a running instance: its Run loop
// and its periodic health check.
func (s *Supervisor) watch(ctx context.Context, name string, gen int, svc services.Service, interval time.Duration) {
	if r, ok := svc.(services.Runner); ok {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := run(ctx, r)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.fail(name, gen, fmt.Errorf("run: %w", err))
				return
			}
			s.exited(name, gen)
		}()
	}
	if interval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.healthLoop(ctx, name, gen, svc, interval)
		}()
	}
}

func run(ctx context.Context, r services.Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.Run(ctx)
}

func (s *Supervisor) healthLoop(ctx context.Context, name string, gen int, svc services.Service, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		hctx, cancel := context.WithTimeout(ctx, interval)
		err := svc.Health(hctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			if failures > 0 {
				logging.Info(subsystem, "%s is healthy again", name)
			}
			failures = 0
			s.setHealth(name, services.HealthHealthy, nil)
			continue
		}

		failures++
		s.setHealth(name, services.HealthUnhealthy, err)
		logging.Warn(subsystem, "Health check of %s failed (%d/%d): %v", name, failures, s.cfg.HealthFailureThreshold, err)
		if failures >= s.cfg.HealthFailureThreshold {
			s.fail(name, gen, fmt.Errorf("health check failed %d times: %w", failures, err))
			return
		}
	}
}

// setHealth updates the health of a Running service without a state change.
func (s *Supervisor) setHealth(name string, health services.HealthStatus, cause error) {
	_, _, _ = s.registry.Update(name, func(sn *services.Snapshot) {
		if sn.State != services.StateRunning {
			return
		}
		sn.Health = health
		if cause != nil {
			sn.LastError = cause.Error()
		}
	})
}

// fail handles a runtime failure of generation gen of name. Running
// dependents are stopped first and resumed once name runs again.
func (s *Supervisor) fail(name string, gen int, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if s.closed || !ok || inst.gen != gen {
		return
	}
	if snap, err := s.registry.Lookup(name); err != nil || snap.State != services.StateRunning {
		return
	}

	logging.Error(subsystem, cause, "Service %s failed", name)
	if s.clock.Since(inst.runningSince) >= inst.desc.Restart.MaxBackoff {
		inst.resetBackoff()
	}
	s.stopDependentsLocked(s.ctx, name)
	if err := s.teardownLocked(s.ctx, name, inst); err != nil {
		logging.Warn(subsystem, "Cleaning up failed %s: %v", name, err)
	}
	s.transition(name, services.StateFailed, services.StopReasonNone, cause, gen)
	s.scheduleRestartLocked(name, cause)
}

// exited handles a Run loop that returned nil. Only RestartAlways restarts
// such a service.
func (s *Supervisor) exited(name string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if s.closed || !ok || inst.gen != gen {
		return
	}
	if snap, err := s.registry.Lookup(name); err != nil || snap.State != services.StateRunning {
		return
	}

	logging.Info(subsystem, "Service %s exited", name)
	if s.clock.Since(inst.runningSince) >= inst.desc.Restart.MaxBackoff {
		inst.resetBackoff()
	}
	s.stopDependentsLocked(s.ctx, name)
	s.transition(name, services.StateStopping, services.StopReasonNone, nil, gen)
	err := s.teardownLocked(s.ctx, name, inst)
	s.transition(name, services.StateStopped, services.StopReasonNone, err, gen)
	if inst.desc.Restart.Mode == services.RestartAlways {
		s.scheduleRestartLocked(name, errExited)
	}
}

// scheduleRestartLocked applies the restart policy after a failure: either
// a restart after the next backoff step, or a terminal failure once the
// budget is spent.
func (s *Supervisor) scheduleRestartLocked(name string, cause error) {
	inst := s.instances[name]
	if s.closed {
		return
	}
	delay, ok := s.nextAttemptLocked(name, inst)
	if !ok {
		s.terminalLocked(name, inst, cause)
		return
	}
	gen := inst.gen

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := s.clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C():
		}
		s.restart(name, gen)
	}()
}

// nextAttemptLocked takes the next step of the restart budget of inst. It
// reports false once the budget is spent.
func (s *Supervisor) nextAttemptLocked(name string, inst *instance) (time.Duration, bool) {
	p := inst.desc.Restart
	if p.Mode == services.RestartNever || inst.attempts >= p.MaxRetries {
		return 0, false
	}
	if inst.attempts == 0 {
		inst.backoff = wait.Backoff{
			Duration: p.InitialBackoff,
			Factor:   p.Factor,
			Jitter:   p.Jitter,
			Steps:    p.MaxRetries,
			Cap:      p.MaxBackoff,
		}
	}
	inst.attempts++
	delay := inst.backoff.Step()
	s.metrics.Restart(name)
	logging.Info(subsystem, "Restarting %s in %s (attempt %d of %d)", name, delay.Round(time.Millisecond), inst.attempts, p.MaxRetries)
	return delay, true
}

// retryStartLocked retries the startup of a critical service in place, so
// that StartAll only moves on to its dependents once it runs. When the
// budget is spent the failure is escalated and returned.
func (s *Supervisor) retryStartLocked(ctx context.Context, name string, cause error) error {
	inst := s.instances[name]
	for {
		delay, ok := s.nextAttemptLocked(name, inst)
		if !ok {
			s.terminalLocked(name, inst, cause)
			return &CriticalFailure{Service: name, Attempts: inst.attempts, Err: cause}
		}

		timer := s.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %w", ErrStartAborted, name, ctx.Err())
		case <-timer.C():
		}

		_, _, _ = s.registry.Update(name, func(sn *services.Snapshot) { sn.Restarts++ })
		if cause = s.startLocked(ctx, name); cause == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", ErrStartAborted, name, cause)
		}
	}
}

func (s *Supervisor) restart(name string, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if s.closed || !ok || inst.gen != gen {
		return
	}
	snap, err := s.registry.Lookup(name)
	if err != nil || snap.StopReason == services.StopReasonManual {
		return
	}
	if snap.State != services.StateFailed && snap.State != services.StateStopped {
		return
	}
	if dep, blocked := s.unavailableDependency(name); blocked {
		// Resumed by resumeDependentsLocked once dep runs again.
		s.blockLocked(name, dep)
		return
	}

	_, _, _ = s.registry.Update(name, func(sn *services.Snapshot) { sn.Restarts++ })
	if err := s.startLocked(s.ctx, name); err != nil {
		s.scheduleRestartLocked(name, err)
		return
	}
	s.resumeDependentsLocked(name)
}

func (s *Supervisor) terminalLocked(name string, inst *instance, cause error) {
	s.metrics.TerminalFailure(name)
	logging.Error(subsystem, cause, "Service %s will not be restarted (%d restart attempts)", name, inst.attempts)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.publish(services.TerminalTopic(name), services.TerminalFailure{
		Service:  name,
		Critical: inst.desc.Critical,
		Attempts: inst.attempts,
		Error:    msg,
	})
	if inst.desc.Critical {
		s.escalate(&CriticalFailure{Service: name, Attempts: inst.attempts, Err: cause})
	}
}

func (s *Supervisor) escalate(err error) {
	s.fatalOnce.Do(func() {
		logging.Error(subsystem, err, "Escalating to process shutdown")
		s.fatal <- err
	})
}

// watchHandlerFailuresLocked subscribes to the handler failures reported by
// the bus and marks the failing service Unhealthy.
func (s *Supervisor) watchHandlerFailuresLocked() {
	if s.bus == nil || s.watching {
		return
	}
	if _, err := s.bus.Subscribe(Source, events.HealthTopic("*"), s.onHandlerFailure); err != nil {
		logging.Error(subsystem, err, "Failed to watch handler failures")
		return
	}
	s.watching = true
}

func (s *Supervisor) onHandlerFailure(_ context.Context, ev events.Event) error {
	hf, ok := ev.Payload.(events.HandlerFailure)
	if !ok {
		return nil
	}
	logging.Warn(subsystem, "Handler of %s failed on %s after %d attempts: %v", hf.Subscriber, hf.Topic, hf.Attempts, hf.Err)
	s.setHealth(hf.Subscriber, services.HealthUnhealthy, fmt.Errorf("handler failed on %s: %s", hf.Topic, hf.Err))
	return nil
}
