package ui

import "time"

// Theme is the user-selected color scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

// Valid reports whether t is one of the known themes.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark || t == ThemeAuto
}

// NotificationType classifies a toast.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Device breakpoints in pixels.
const (
	TabletMinWidth  = 768
	DesktopMinWidth = 1024
)

// Font scale bounds accepted by SetAccessibility.
const (
	MinFontScale = 0.5
	MaxFontScale = 3.0
)

// ModalEntry is one entry of the modal stack.
type ModalEntry struct {
	ID       string                 `json:"id"`
	Config   map[string]interface{} `json:"config,omitempty"`
	ZIndex   int                    `json:"zIndex"`
	OpenedAt time.Time              `json:"openedAt"`
}

// Notification is one toast in the UI queue.
type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type"`
	Title      string           `json:"title,omitempty"`
	Message    string           `json:"message"`
	Persistent bool             `json:"persistent"`

	// Duration is the auto-dismiss delay. Zero uses the store default.
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Device describes the viewport class.
type Device struct {
	IsMobile  bool `json:"isMobile"`
	IsTablet  bool `json:"isTablet"`
	IsDesktop bool `json:"isDesktop"`
	Width     int  `json:"width"`
	Height    int  `json:"height"`
}

// DeviceFor classifies a viewport: mobile < 768 <= tablet < 1024 <= desktop.
func DeviceFor(width, height int) Device {
	return Device{
		IsMobile:  width < TabletMinWidth,
		IsTablet:  width >= TabletMinWidth && width < DesktopMinWidth,
		IsDesktop: width >= DesktopMinWidth,
		Width:     width,
		Height:    height,
	}
}

func (d Device) class() string {
	switch {
	case d.IsMobile:
		return "mobile"
	case d.IsTablet:
		return "tablet"
	default:
		return "desktop"
	}
}

// Accessibility holds the persisted accessibility preferences.
type Accessibility struct {
	ReducedMotion bool    `json:"reducedMotion"`
	HighContrast  bool    `json:"highContrast"`
	FontScale     float64 `json:"fontScale"`
}

// AccessibilityPatch updates the non-nil fields only.
type AccessibilityPatch struct {
	ReducedMotion *bool
	HighContrast  *bool
	FontScale     *float64
}

// Sidebar holds the persisted layout preference.
type Sidebar struct {
	Collapsed bool `json:"collapsed"`
}

// Connection mirrors host connectivity and user activity.
type Connection struct {
	Online       bool      `json:"online"`
	LastActivity time.Time `json:"lastActivity"`
}

// State is the typed view of the UI tree.
type State struct {
	Theme            Theme                 `json:"theme"`
	ActualTheme      Theme                 `json:"actualTheme"`
	ModalStack       []ModalEntry          `json:"modalStack"`
	ActiveModals     map[string]ModalEntry `json:"activeModals"`
	Notifications    []Notification        `json:"notifications"`
	Loading          map[string]bool       `json:"loading"`
	Device           Device                `json:"device"`
	Accessibility    Accessibility         `json:"accessibility"`
	Sidebar          Sidebar               `json:"sidebar"`
	Connection       Connection            `json:"connection"`
	BodyScrollLocked bool                  `json:"bodyScrollLocked"`
}

// DefaultState is the state of a freshly constructed or cleared store.
func DefaultState() State {
	return State{
		Theme:         ThemeAuto,
		ActualTheme:   ThemeLight,
		ModalStack:    []ModalEntry{},
		ActiveModals:  map[string]ModalEntry{},
		Notifications: []Notification{},
		Loading:       map[string]bool{},
		Device:        DeviceFor(DesktopMinWidth, 768),
		Accessibility: Accessibility{FontScale: 1.0},
		Connection:    Connection{Online: true},
	}
}
