package ui

import (
	"fmt"

	"github.com/alfredjeanlab/conveyance/internal/model"
)

// ANSI256 color codes matching the Ayu palette.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorFail   = 203 // red
)

var noColor bool

var roleColors = map[model.Role]int{
	model.RoleBuyer:             111, // light blue
	model.RoleEstateAgent:       180, // tan
	model.RoleBuyerConveyancer:  150, // sage
	model.RoleSellerConveyancer: 176, // mauve
}

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name (light gray).
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderWarning returns s in the warning (amber) color.
func RenderWarning(s string) string { return paint(colorWarn, s) }

// RenderRole returns the role name in that role's color.
func RenderRole(r model.Role) string {
	code, ok := roleColors[r]
	if !ok {
		return string(r)
	}
	return paint(code, string(r))
}

// RenderStatus colors a document, proposal, or item status by how settled
// it is. Unknown statuses are returned unstyled.
func RenderStatus(status string) string {
	switch status {
	case "completed", "reviewed", "accepted", "ok", "SERVING":
		return paint(colorOK, status)
	case "pending", "ordered", "delivered", "downloaded", "in-progress", "degraded":
		return paint(colorWarn, status)
	case "rejected", "superseded", "failed", "NOT_SERVING":
		return paint(colorFail, status)
	}
	return status
}

// RenderUnread marks an unread record with a bullet.
func RenderUnread(read bool) string {
	if read {
		return " "
	}
	return paint(colorAccent, "●")
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
