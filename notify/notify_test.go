package notify

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"ssh-keystroke-detector/capture"
	"ssh-keystroke-detector/tracker"
)

var _ capture.Notifier = (*Console)(nil)

func TestConsoleNotify(t *testing.T) {
	var console bytes.Buffer
	prev := color.Output
	color.Output = &console
	defer func() { color.Output = prev }()

	var logBuf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&logBuf)

	NewConsole(log).Notify(tracker.Finding{
		ConnID: "10.0.0.5:51234->192.0.2.10:22",
		Endpoints: tracker.Endpoints{
			Originator: "10.0.0.5:51234",
			Responder:  "192.0.2.10:22",
		},
		CharactersTyped: 5,
	})

	out := console.String()
	assert.Contains(t, out, "5 characters typed, followed by a return")
	assert.Contains(t, out, "10.0.0.5:51234 -> 192.0.2.10:22")

	logged := logBuf.String()
	assert.Contains(t, logged, "reverse SSH shell tunnel confirmed")
	assert.Contains(t, logged, "characters=5")
}
