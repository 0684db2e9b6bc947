// Package stream manages resilient camera viewer sessions. Each session
// keeps one live-or-snapshot viewer supplied with a fresh source, recovering
// from load failures and silent stalls with capped exponential backoff, and
// guarantees the backend capture resource is released when the viewer goes
// away. Cancellation of in-flight work uses attempt tokens: every switch,
// refresh, or scheduled reconnect mints a new token, and completions carrying
// a superseded token are discarded.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/printdeck/printdeck/internal/backend"
	"github.com/printdeck/printdeck/internal/config"
	"github.com/printdeck/printdeck/internal/prefs"
)

// Mode selects between a continuous live stream and periodic still frames.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeSnapshot Mode = "snapshot"
)

// State is the viewer state machine position.
type State string

const (
	StateIdle         State = "idle"
	StateLoading      State = "loading"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateErrored      State = "errored"
)

// ErrReleased is returned by operations on a session that has been released.
var ErrReleased = errors.New("viewer session released")

// headerAllowance is added to the media's natural height when persisting a
// first-open window geometry, leaving room for the viewer chrome.
const headerAllowance = 80

// probeRequestTimeout bounds a single capture-health probe.
const probeRequestTimeout = 3 * time.Second

// CaptureBackend is the subset of the backend client a session drives.
type CaptureBackend interface {
	StartCapture(ctx context.Context, printerID string, frameRate int) (*backend.CaptureInfo, error)
	FetchSnapshot(ctx context.Context, printerID string) (*backend.Snapshot, error)
	CaptureHealth(ctx context.Context, printerID string) (*backend.CameraHealth, error)
	StopCapture(printerID string)
}

// GeometryStore persists the viewer window geometry. May be nil, in which
// case geometry handling is skipped.
type GeometryStore interface {
	Geometry(ctx context.Context, printerID string) (*prefs.Geometry, error)
	SaveGeometry(ctx context.Context, printerID string, g prefs.Geometry) error
}

// Status is the externally visible snapshot of a session.
type Status struct {
	SessionID        string `json:"session_id"`
	PrinterID        string `json:"printer_id"`
	Mode             Mode   `json:"mode"`
	State            State  `json:"state"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
	MaxAttempts      int    `json:"max_attempts"`
	// Countdown is seconds until the next automatic reconnect, zero when
	// none is scheduled.
	Countdown     int  `json:"countdown"`
	Transitioning bool `json:"transitioning"`
	// ShowLoading drives the loading affordance; it can be forced off by
	// the loading-visibility fallback without the state machine moving.
	ShowLoading bool `json:"show_loading"`
	// SourceURL is the live stream source, empty in snapshot mode or while
	// no source is attached.
	SourceURL string `json:"source_url,omitempty"`
	Released  bool   `json:"released"`
}

// Session is one viewer's controller. Create through a Manager.
type Session struct {
	id        string
	printerID string
	cfg       config.StreamConfig
	backend   CaptureBackend
	prefs     GeometryStore
	logger    *slog.Logger

	mu               sync.Mutex
	mode             Mode
	state            State
	attemptID        string
	reconnectAttempt int
	transitioning    bool
	showLoading      bool
	sourceURL        string
	countdown        int
	released         bool
	geometryChecked  bool
	lastSnapshot     *backend.Snapshot

	reconnectTimer  *time.Timer
	transitionTimer *time.Timer
	fallbackTimer   *time.Timer
	countdownCancel context.CancelFunc
	probeCancel     context.CancelFunc
}

func newSession(printerID string, mode Mode, cfg config.StreamConfig, cb CaptureBackend, gs GeometryStore, logger *slog.Logger) *Session {
	return &Session{
		id:        ulid.Make().String(),
		printerID: printerID,
		cfg:       cfg,
		backend:   cb,
		prefs:     gs,
		logger:    logger.With(slog.String("printer_id", printerID)),
		mode:      mode,
		state:     StateIdle,
	}
}

// start kicks off the first load attempt.
func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.state != StateIdle {
		return
	}
	s.beginAttemptLocked()
}

// Status returns a snapshot of the session's externally visible state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:        s.id,
		PrinterID:        s.printerID,
		Mode:             s.mode,
		State:            s.state,
		ReconnectAttempt: s.reconnectAttempt,
		MaxAttempts:      s.cfg.MaxAttempts,
		Countdown:        s.countdown,
		Transitioning:    s.transitioning,
		ShowLoading:      s.showLoading,
		SourceURL:        s.sourceURL,
		Released:         s.released,
	}
}

// Snapshot returns the most recent still frame fetched in snapshot mode.
func (s *Session) Snapshot() *backend.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSnapshot
}

// SwitchMode changes between live and snapshot viewing. Ignored while a
// switch is already in flight or when already in the target mode. Leaving
// live mode sends a capture-stop for the old stream.
func (s *Session) SwitchMode(target Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if s.transitioning || s.mode == target {
		return nil
	}

	leavingLive := s.mode == ModeLive
	s.mode = target
	s.logger.Info("viewer mode switch", slog.String("mode", string(target)))
	s.startTransitionLocked(leavingLive)
	return nil
}

// Refresh restarts the current mode from scratch: recovery bookkeeping is
// reset and a fresh source is requested. Ignored while a transition is in
// flight.
func (s *Session) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if s.transitioning {
		return nil
	}

	s.logger.Info("viewer manual refresh")
	s.startTransitionLocked(false)
	return nil
}

// Release tears the session down: every timer is stopped and exactly one
// capture-stop is sent to the backend. Idempotent; it is called from session
// close, client disconnect, and server shutdown, any of which may fire first.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.stopAttemptTimersLocked()
	if s.transitionTimer != nil {
		s.transitionTimer.Stop()
		s.transitionTimer = nil
	}
	s.sourceURL = ""
	s.mu.Unlock()

	s.backend.StopCapture(s.printerID)
	s.logger.Info("viewer session released", slog.String("session_id", s.id))
}

// startTransitionLocked clears the current source, invalidates in-flight
// work, and arms the transition window after which the (possibly new) mode's
// source is requested with a fresh attempt token.
func (s *Session) startTransitionLocked(sendStop bool) {
	s.transitioning = true
	s.stopAttemptTimersLocked()
	s.attemptID = "" // discard any in-flight completion immediately
	s.sourceURL = ""
	s.reconnectAttempt = 0
	s.state = StateLoading
	s.showLoading = true

	if sendStop {
		s.backend.StopCapture(s.printerID)
	}

	if s.transitionTimer != nil {
		s.transitionTimer.Stop()
	}
	s.transitionTimer = time.AfterFunc(s.cfg.TransitionWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.released {
			return
		}
		s.transitioning = false
		s.beginAttemptLocked()
	})
}

// beginAttemptLocked mints a fresh attempt token and starts loading the
// current mode's source. Caller holds s.mu.
func (s *Session) beginAttemptLocked() {
	attemptID := uuid.NewString()
	s.attemptID = attemptID
	s.state = StateLoading
	s.showLoading = true
	s.sourceURL = ""
	s.countdown = 0

	fallback := s.cfg.LiveLoadingFallback
	if s.mode == ModeSnapshot {
		fallback = s.cfg.SnapshotLoadingFallback
	}
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	// Visibility fallback only: after this delay the loading affordance is
	// hidden even without a definitive result. A real failure landing later
	// still drives the state machine; the UI may briefly show content that
	// already errored. That race is deliberate.
	s.fallbackTimer = time.AfterFunc(fallback, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.attemptID == attemptID && s.state == StateLoading {
			s.showLoading = false
		}
	})

	go s.load(attemptID, s.mode)
}

// load performs one source request and reports the outcome, tagged with the
// attempt token that started it.
func (s *Session) load(attemptID string, mode Mode) {
	ctx := context.Background()

	if mode == ModeLive {
		info, err := s.backend.StartCapture(ctx, s.printerID, s.cfg.FrameRate)
		if err != nil {
			s.handleLoadFailure(attemptID, err)
			return
		}
		s.handleLoadSuccess(attemptID, info, nil)
		return
	}

	snap, err := s.backend.FetchSnapshot(ctx, s.printerID)
	if err != nil {
		s.handleLoadFailure(attemptID, err)
		return
	}
	s.handleLoadSuccess(attemptID, nil, snap)
}

func (s *Session) handleLoadSuccess(attemptID string, info *backend.CaptureInfo, snap *backend.Snapshot) {
	s.mu.Lock()
	if s.released || attemptID != s.attemptID {
		s.mu.Unlock()
		return
	}

	s.state = StateReady
	s.showLoading = false
	s.reconnectAttempt = 0
	s.stopAttemptTimersLocked()

	persistGeometry := false
	var width, height int
	if info != nil {
		s.sourceURL = info.StreamURL
		if !s.geometryChecked && info.Width > 0 && info.Height > 0 {
			s.geometryChecked = true
			persistGeometry = s.prefs != nil
			width, height = info.Width, info.Height
		}
	}
	if snap != nil {
		s.lastSnapshot = snap
	}

	mode := s.mode
	if mode == ModeLive {
		s.startProbeLocked(attemptID)
	}
	s.mu.Unlock()

	s.logger.Debug("viewer source ready", slog.String("mode", string(mode)))

	if persistGeometry {
		// Best-effort: never blocks or fails the state transition.
		go s.persistInitialGeometry(width, height)
	}
}

func (s *Session) handleLoadFailure(attemptID string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || attemptID != s.attemptID {
		return
	}
	if s.state != StateLoading && s.state != StateReady {
		return
	}

	s.logger.Warn("viewer load failed",
		slog.String("mode", string(s.mode)),
		slog.Int("attempt", s.reconnectAttempt),
		slog.String("error", cause.Error()),
	)
	s.failLocked()
}

// failLocked runs the shared recovery policy for load failures and stalls.
// Caller holds s.mu and has already validated the attempt token.
func (s *Session) failLocked() {
	s.stopAttemptTimersLocked()
	s.showLoading = false

	// Snapshot failures do not retry; live retries up to the attempt cap.
	if s.mode != ModeLive || s.reconnectAttempt >= s.cfg.MaxAttempts {
		s.state = StateErrored
		s.sourceURL = ""
		return
	}

	s.state = StateReconnecting
	delay := backoffDelay(s.cfg, s.reconnectAttempt)
	s.startCountdownLocked(delay, s.attemptID)

	attemptID := s.attemptID
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.released || s.attemptID != attemptID {
			return
		}
		s.reconnectAttempt++
		s.beginAttemptLocked()
	})
}

// backoffDelay is the capped exponential reconnect delay for a given attempt
// count: min(initial * 2^attempt, max).
func backoffDelay(cfg config.StreamConfig, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return min(delay, cfg.MaxDelay)
}

// startCountdownLocked exposes a one-second-resolution countdown to the next
// reconnect for UI display. Caller holds s.mu.
func (s *Session) startCountdownLocked(delay time.Duration, attemptID string) {
	s.countdown = int(math.Ceil(delay.Seconds()))

	ctx, cancel := context.WithCancel(context.Background())
	s.countdownCancel = cancel

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.attemptID != attemptID {
					s.mu.Unlock()
					return
				}
				if s.countdown > 0 {
					s.countdown--
				}
				s.mu.Unlock()
			}
		}
	}()
}

// startProbeLocked runs the stall probe for as long as this attempt stays
// ready in live mode. Caller holds s.mu.
func (s *Session) startProbeLocked(attemptID string) {
	if s.probeCancel != nil {
		s.probeCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.probeCancel = cancel

	go func() {
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, probeCancel := context.WithTimeout(ctx, probeRequestTimeout)
				health, err := s.backend.CaptureHealth(probeCtx, s.printerID)
				probeCancel()
				if err != nil {
					s.logger.Debug("stall probe failed", slog.String("error", err.Error()))
					continue
				}
				if health.Stalled {
					s.handleStall(attemptID)
					return
				}
			}
		}
	}()
}

// handleStall is the probe's recovery entry point: a stalled capture is
// treated exactly like a load failure.
func (s *Session) handleStall(attemptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || attemptID != s.attemptID {
		return
	}
	if s.state != StateReady || s.mode != ModeLive {
		return
	}

	s.logger.Warn("stream stalled, recovering", slog.Int("attempt", s.reconnectAttempt))
	s.failLocked()
}

// persistInitialGeometry saves a window geometry sized to the media on the
// first successful load, unless the user already has one saved.
func (s *Session) persistInitialGeometry(width, height int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existing, err := s.prefs.Geometry(ctx, s.printerID)
	if err != nil {
		s.logger.Debug("geometry lookup failed", slog.String("error", err.Error()))
		return
	}
	if existing != nil {
		return
	}

	g := prefs.Geometry{Width: width, Height: height + headerAllowance}
	if err := s.prefs.SaveGeometry(ctx, s.printerID, g); err != nil {
		s.logger.Debug("geometry save failed", slog.String("error", err.Error()))
	}
}

// stopAttemptTimersLocked clears every timer tied to the current attempt:
// reconnect, countdown, loading fallback, and the stall probe. Caller holds
// s.mu.
func (s *Session) stopAttemptTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.countdownCancel != nil {
		s.countdownCancel()
		s.countdownCancel = nil
	}
	s.countdown = 0
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
	if s.probeCancel != nil {
		s.probeCancel()
		s.probeCancel = nil
	}
}
