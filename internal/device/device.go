// Package device stubs the e-ink panel's model probing: real hardware
// detection is an external collaborator concern, out of scope for the
// protocol engine this module implements.
package device

// Model describes a panel's physical characteristics relevant to
// rendering: its firmware/hardware revision ("mark"). cmd/einkvnc only
// logs the mark; it always constructs framebuffer.Software and takes the
// rotation from its --rotate flag.
type Model struct {
	name string
	mark int
}

// Current is the stand-in for real hardware probing; it always reports
// the same model, matching eink-vnc-go's lack of an actual device
// driver.
var Current = Model{name: "generic", mark: 1}

// Mark reports the panel's hardware revision number.
func (m Model) Mark() int { return m.mark }

// Name reports the panel's model name.
func (m Model) Name() string { return m.name }
