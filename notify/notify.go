// Package notify renders findings for a human operator.
package notify

import (
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"ssh-keystroke-detector/tracker"
)

// Console writes each finding as a colored security notice plus a
// structured log entry.
type Console struct {
	alert *color.Color
	conn  *color.Color
	log   *logrus.Logger
}

func NewConsole(log *logrus.Logger) *Console {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Console{
		alert: color.New(color.FgRed, color.Bold),
		conn:  color.New(color.FgYellow),
		log:   log,
	}
}

// Notify implements capture.Notifier.
func (c *Console) Notify(f tracker.Finding) {
	c.alert.Printf("!! reverse SSH shell detected: %d characters typed, followed by a return\n",
		f.CharactersTyped)
	c.conn.Printf("   %s -> %s\n", f.Endpoints.Originator, f.Endpoints.Responder)

	c.log.WithFields(logrus.Fields{
		"conn":       f.ConnID,
		"originator": f.Endpoints.Originator,
		"responder":  f.Endpoints.Responder,
		"characters": f.CharactersTyped,
	}).Warn("reverse SSH shell tunnel confirmed")
}
