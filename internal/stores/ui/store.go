// Package ui is the domain store for presentation state: theme, modal stack,
// toast queue, loading flags, device class and connectivity.
package ui

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gxo-labs/chatstate/internal/config"
	"github.com/gxo-labs/chatstate/internal/environment"
	"github.com/gxo-labs/chatstate/internal/scheduler"
	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/stores"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

// Name is the registry name and storage namespace suffix of the store.
const Name = "ui"

// Options tune the store. Zero fields take the config defaults.
type Options struct {
	MaxNotifications     int
	NotificationDuration time.Duration
	ResizeDebounce       time.Duration
	ModalBaseZIndex      int

	// Environment is queried at Init. Nil uses environment.FromEnv.
	Environment environment.Environment
}

// OptionsFromConfig reads the ui section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxNotifications:     cfg.GetMaxNotifications(),
		NotificationDuration: cfg.GetNotificationDuration(),
		ResizeDebounce:       cfg.GetResizeDebounce(),
		ModalBaseZIndex:      cfg.GetModalBaseZIndex(),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxNotifications <= 0 {
		o.MaxNotifications = config.DefaultMaxNotifications
	}
	if o.NotificationDuration <= 0 {
		o.NotificationDuration = config.DefaultNotificationDuration
	}
	if o.ResizeDebounce <= 0 {
		o.ResizeDebounce = config.DefaultResizeDebounce
	}
	if o.ModalBaseZIndex <= 0 {
		o.ModalBaseZIndex = config.DefaultModalBaseZIndex
	}
	if o.Environment == nil {
		o.Environment = environment.FromEnv()
	}
	return o
}

// Store is the UI domain store.
type Store struct {
	*stores.Base

	opts       Options
	systemDark atomic.Bool
	resize     *scheduler.Debouncer

	mu     sync.Mutex
	timers map[string]scheduler.Timer
}

// New creates the UI store with default state.
func New(deps stores.Deps, opts Options) *Store {
	opts = opts.withDefaults()
	base := stores.NewBase(Name, deps, defaultTree(), "theme", "accessibility", "sidebar")
	s := &Store{
		Base:   base,
		opts:   opts,
		resize: scheduler.NewDebouncer(base.Deps.Scheduler, opts.ResizeDebounce),
		timers: make(map[string]scheduler.Timer),
	}
	s.systemDark.Store(opts.Environment.PrefersDark())
	return s
}

func defaultTree() map[string]interface{} { return stores.DefaultTree(DefaultState()) }

// Init loads persisted preferences and applies the detected environment.
// Persisted values that do not decode fall back to defaults.
func (s *Store) Init(ctx context.Context) error {
	if err := s.Hydrate(ctx); err != nil {
		return err
	}
	env := s.opts.Environment
	s.systemDark.Store(env.PrefersDark())
	width, height := env.Viewport()
	now := s.Deps.Scheduler.Now()

	err := s.Update(func(tx *state.Tx) error {
		var theme Theme
		if ok, err := tx.GetInto("theme", &theme); !ok || err != nil || !theme.Valid() {
			theme = ThemeAuto
			_ = tx.Set("theme", theme)
		}
		acc := DefaultState().Accessibility
		if _, err := tx.GetInto("accessibility", &acc); err != nil || !validFontScale(acc.FontScale) {
			acc = DefaultState().Accessibility
		}
		if env.PrefersReducedMotion() {
			acc.ReducedMotion = true
		}
		var sidebar Sidebar
		if _, err := tx.GetInto("sidebar", &sidebar); err != nil {
			sidebar = Sidebar{}
		}
		_ = tx.Set("accessibility", acc)
		_ = tx.Set("sidebar", sidebar)
		_ = tx.Set("actualTheme", s.resolve(theme))
		_ = tx.Set("device", DeviceFor(width, height))
		_ = tx.Set("connection.online", env.Online())
		return tx.Set("connection.lastActivity", now)
	}, csstate.WithPersist(false))
	if err != nil {
		return cserrors.NewInitializationError(Name, err)
	}
	s.Log.Debugf("Initialized (device %dx%d, system dark %t)", width, height, s.systemDark.Load())
	return nil
}

// Clear cancels pending timers and restores defaults.
func (s *Store) Clear() {
	s.cancelTimers()
	s.resize.Cancel()
	s.Restore(defaultTree())
}

// Destroy cancels pending timers and drops every subscriber.
func (s *Store) Destroy(context.Context) error {
	s.cancelTimers()
	s.resize.Cancel()
	s.Teardown()
	return nil
}

// Current decodes the whole tree.
func (s *Store) Current() State {
	st := DefaultState()
	if err := state.Decode(s.Snapshot(), &st); err != nil {
		s.Log.Warnf("Failed to decode UI state: %v", err)
	}
	return st
}

// --- Theme ---

// SetTheme stores theme and the resolved actualTheme in one mutation.
func (s *Store) SetTheme(theme Theme) error {
	if !theme.Valid() {
		return cserrors.NewValidationError(fmt.Sprintf("invalid theme '%s'", theme), nil)
	}
	var before, after Theme
	err := s.Update(func(tx *state.Tx) error {
		_, _ = tx.GetInto("actualTheme", &before)
		after = s.resolve(theme)
		_ = tx.Set("theme", theme)
		return tx.Set("actualTheme", after)
	})
	if err != nil {
		return err
	}
	if before != after {
		s.Emit(csevents.ThemeChanged, after)
	}
	return nil
}

// HandleSystemThemeChange records the host color scheme and recomputes
// actualTheme when the theme is auto.
func (s *Store) HandleSystemThemeChange(dark bool) {
	s.systemDark.Store(dark)
	var changed bool
	var after Theme
	err := s.Update(func(tx *state.Tx) error {
		var theme, before Theme
		_, _ = tx.GetInto("theme", &theme)
		if theme != ThemeAuto {
			return nil
		}
		_, _ = tx.GetInto("actualTheme", &before)
		after = s.resolve(theme)
		changed = before != after
		return tx.Set("actualTheme", after)
	}, csstate.WithPersist(false))
	if err != nil {
		s.Log.Errorf("Failed to apply system theme: %v", err)
		return
	}
	if changed {
		s.Emit(csevents.ThemeChanged, after)
	}
}

// Theme returns the selected theme.
func (s *Store) Theme() Theme {
	var t Theme
	_, _ = s.GetInto("theme", &t)
	return t
}

// ActualTheme returns the theme in effect.
func (s *Store) ActualTheme() Theme {
	var t Theme
	_, _ = s.GetInto("actualTheme", &t)
	return t
}

func (s *Store) resolve(theme Theme) Theme {
	if theme != ThemeAuto {
		return theme
	}
	if s.systemDark.Load() {
		return ThemeDark
	}
	return ThemeLight
}

// --- Loading ---

// SetLoading sets or clears the loading flag key.
func (s *Store) SetLoading(key string, loading bool) error {
	if loading {
		return s.Set("loading."+key, true)
	}
	if _, err := state.ParsePath(key); err != nil {
		return err
	}
	return s.Delete("loading." + key)
}

// IsLoading reports whether key is loading.
func (s *Store) IsLoading(key string) bool {
	v, ok := s.Get("loading." + key)
	b, _ := v.(bool)
	return ok && b
}

// --- Device and connectivity ---

// HandleResize recomputes the device class after the resize debounce.
func (s *Store) HandleResize(width, height int) {
	s.resize.Call(func() { s.applyDevice(width, height) })
}

// Device returns the current device class.
func (s *Store) Device() Device {
	var d Device
	_, _ = s.GetInto("device", &d)
	return d
}

func (s *Store) applyDevice(width, height int) {
	var before Device
	next := DeviceFor(width, height)
	err := s.Update(func(tx *state.Tx) error {
		_, _ = tx.GetInto("device", &before)
		return tx.Set("device", next)
	})
	if err != nil {
		s.Log.Errorf("Failed to apply resize: %v", err)
		return
	}
	if before.class() != next.class() {
		s.Emit(csevents.DeviceChanged, next)
	}
}

// SetOnline records host connectivity.
func (s *Store) SetOnline(online bool) {
	if err := s.Set("connection.online", online); err != nil {
		s.Log.Errorf("Failed to record connectivity: %v", err)
	}
}

// HandleOnline records that the host came online.
func (s *Store) HandleOnline() { s.SetOnline(true) }

// HandleOffline records that the host went offline.
func (s *Store) HandleOffline() { s.SetOnline(false) }

// Online reports the recorded connectivity.
func (s *Store) Online() bool {
	v, _ := s.Get("connection.online")
	b, _ := v.(bool)
	return b
}

// RecordActivity stamps connection.lastActivity with the current time.
func (s *Store) RecordActivity() {
	now := s.Deps.Scheduler.Now()
	if err := s.Update(func(tx *state.Tx) error {
		return tx.Set("connection.lastActivity", now)
	}); err != nil {
		s.Log.Errorf("Failed to record activity: %v", err)
	}
}

// --- Preferences ---

// SetAccessibility applies patch to the accessibility preferences.
func (s *Store) SetAccessibility(patch AccessibilityPatch) error {
	if patch.FontScale != nil && !validFontScale(*patch.FontScale) {
		return cserrors.NewValidationError(
			fmt.Sprintf("font scale %.2f outside [%.1f, %.1f]", *patch.FontScale, MinFontScale, MaxFontScale), nil)
	}
	return s.Update(func(tx *state.Tx) error {
		acc := DefaultState().Accessibility
		_, _ = tx.GetInto("accessibility", &acc)
		if patch.ReducedMotion != nil {
			acc.ReducedMotion = *patch.ReducedMotion
		}
		if patch.HighContrast != nil {
			acc.HighContrast = *patch.HighContrast
		}
		if patch.FontScale != nil {
			acc.FontScale = *patch.FontScale
		}
		return tx.Set("accessibility", acc)
	})
}

// Accessibility returns the accessibility preferences.
func (s *Store) Accessibility() Accessibility {
	acc := DefaultState().Accessibility
	_, _ = s.GetInto("accessibility", &acc)
	return acc
}

// ToggleSidebar flips sidebar.collapsed and returns the new value.
func (s *Store) ToggleSidebar() bool {
	var collapsed bool
	if err := s.Update(func(tx *state.Tx) error {
		_, _ = tx.GetInto("sidebar.collapsed", &collapsed)
		collapsed = !collapsed
		return tx.Set("sidebar.collapsed", collapsed)
	}); err != nil {
		s.Log.Errorf("Failed to toggle sidebar: %v", err)
	}
	return collapsed
}

func validFontScale(f float64) bool {
	return f >= MinFontScale && f <= MaxFontScale
}

// newID returns a random identifier for notifications.
func newID() string { return uuid.NewString() }
