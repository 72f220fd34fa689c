package tunnel

import (
	"context"
	"sync"
)

// OnceActivateHandler is called exactly once, with shutdown paused, to
// activate an object managed by a ShutdownHelper. If it returns an error,
// the object is never activated and shutdown starts immediately instead.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a ShutdownHelper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It
	// never runs while shutdown is paused.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by anything that offers asynchronous shutdown.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// ShutdownHelper manages clean, once-only, asynchronous shutdown for an
// object that implements OnceShutdownHandler, with support for child
// shutdowners that are torn down in turn. Grounded on share/shutdown_helper.go
// from the teacher; adapted to this module's trimmed Logger interface (no
// Panic/Fatal -- pausing after shutdown has started returns an error, and an
// unpaired ResumeShutdown logs an error, instead of panicking the process).
type ShutdownHelper struct {
	Logger

	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount int
	isActivated        bool
	isScheduledShutdown bool
	isStartedShutdown  bool
	isDoneShutdown     bool
	shutdownErr        error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// NewShutdownHelper creates a heap-allocated ShutdownHelper.
func NewShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) *ShutdownHelper {
	h := &ShutdownHelper{}
	h.InitShutdownHelper(logger, shutdownHandler)
	return h
}

func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.DLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.DLogf("->shutdownHandlerDone")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.isDoneShutdown = true
		h.DLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown increments the shutdown pause count. Returns an error if
// shutdown has already started. Each call must be paired with ResumeShutdown.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// IsActivated returns true if Activate has succeeded.
func (h *ShutdownHelper) IsActivated() bool {
	return h.isActivated
}

// Activate marks the helper activated. Fails if shutdown already started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivateHandler, then activates
// (or begins shutdown, on failure) and resumes shutdown. Safe to call once.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err = onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ResumeShutdown decrements the shutdown pause count, starting shutdown once
// it reaches zero if shutdown has been scheduled.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Lock.Unlock()
		h.ELogf("ResumeShutdown called before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext begins shutting down the helper once ctx is Done.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

func (h *ShutdownHelper) IsScheduledShutdown() bool { return h.isScheduledShutdown }
func (h *ShutdownHelper) IsStartedShutdown() bool   { return h.isStartedShutdown }
func (h *ShutdownHelper) IsDoneShutdown() bool      { return h.isDoneShutdown }

// ShutdownWG exposes a WaitGroup callers may Add() to, deferring completion.
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownDoneChan is closed once shutdown is complete.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// ShutdownStartedChan is closed as soon as shutdown is initiated, well
// before ShutdownDoneChan. Useful for a goroutine that is itself counted in
// the shutdown WaitGroup: it can select on this to know when to stop
// without deadlocking on its own completion.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownHandlerDoneChan is closed after HandleOnceShutdown returns, before
// children are shut down and waited for.
func (h *ShutdownHelper) ShutdownHandlerDoneChan() <-chan struct{} {
	return h.shutdownHandlerDoneChan
}

// WaitShutdown blocks until shutdown completes and returns its status.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown (if not already started) and waits for it.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown. Idempotent after the first call.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory completion status and waits for it.
func (h *ShutdownHelper) Close() error {
	h.DLogf("Close()")
	return h.Shutdown(nil)
}

// AddShutdownChildChan waits on an externally-closed channel before this
// helper's own shutdown is considered complete.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild registers a child that will be actively shut down (with
// this helper's advisory completion error) once this helper's own handler
// returns, and waited on before this helper's shutdown completes.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
