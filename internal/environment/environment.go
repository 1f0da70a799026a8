// Package environment reports the host signals the UI store derives state
// from: viewport size, color scheme preference, motion preference and
// connectivity.
package environment

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// Environment is queried by the UI store at Init.
type Environment interface {
	Viewport() (width, height int)
	PrefersDark() bool
	PrefersReducedMotion() bool
	Online() bool
}

// Static is an Environment with fixed, settable values.
type Static struct {
	mu            sync.RWMutex
	width         int
	height        int
	dark          bool
	reducedMotion bool
	online        bool
}

// NewStatic returns a desktop-sized, light, online environment.
func NewStatic() *Static {
	return &Static{width: 1280, height: 800, online: true}
}

func (s *Static) Viewport() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

func (s *Static) PrefersDark() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dark
}

func (s *Static) PrefersReducedMotion() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reducedMotion
}

func (s *Static) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetViewport changes the reported size.
func (s *Static) SetViewport(width, height int) *Static {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
	return s
}

// SetPrefersDark changes the reported color scheme preference.
func (s *Static) SetPrefersDark(dark bool) *Static {
	s.mu.Lock()
	s.dark = dark
	s.mu.Unlock()
	return s
}

// SetReducedMotion changes the reported motion preference.
func (s *Static) SetReducedMotion(reduced bool) *Static {
	s.mu.Lock()
	s.reducedMotion = reduced
	s.mu.Unlock()
	return s
}

// SetOnline changes the reported connectivity.
func (s *Static) SetOnline(online bool) *Static {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	return s
}

// FromEnv reads CHATSTATE_VIEWPORT ("WIDTHxHEIGHT"), CHATSTATE_COLOR_SCHEME
// ("dark" or "light") and CHATSTATE_REDUCED_MOTION ("true"). Unset or
// malformed variables keep the NewStatic defaults.
func FromEnv() *Static {
	s := NewStatic()
	if vp := os.Getenv("CHATSTATE_VIEWPORT"); vp != "" {
		if w, h, ok := parseViewport(vp); ok {
			s.SetViewport(w, h)
		}
	}
	s.SetPrefersDark(strings.EqualFold(os.Getenv("CHATSTATE_COLOR_SCHEME"), "dark"))
	if v, err := strconv.ParseBool(os.Getenv("CHATSTATE_REDUCED_MOTION")); err == nil {
		s.SetReducedMotion(v)
	}
	return s
}

func parseViewport(s string) (int, int, bool) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

var _ Environment = (*Static)(nil)
