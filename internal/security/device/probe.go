// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package device

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/language"
)

// Probe collects a Signature from the environment.
type Probe interface {
	Collect() Signature
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() Signature

// Collect calls f.
func (f ProbeFunc) Collect() Signature { return f() }

// HostProbe reads the signature from the local host and terminal.
type HostProbe struct {
	program string

	getenv     func(string) string
	termSize   func() (int, int, error)
	hardwareID func() (string, error)
	now        func() time.Time
}

// HostProbeOption configures a HostProbe.
type HostProbeOption func(*HostProbe)

// WithProgram sets the program name used in the user agent.
func WithProgram(name string) HostProbeOption {
	return func(p *HostProbe) {
		p.program = name
	}
}

// WithHardwareID replaces the hardware identity source salting the
// rendering hash.
func WithHardwareID(fn func() (string, error)) HostProbeOption {
	return func(p *HostProbe) {
		p.hardwareID = fn
	}
}

// WithTerminalSize replaces the terminal size source.
func WithTerminalSize(fn func() (int, int, error)) HostProbeOption {
	return func(p *HostProbe) {
		p.termSize = fn
	}
}

// WithEnv replaces os.Getenv.
func WithEnv(fn func(string) string) HostProbeOption {
	return func(p *HostProbe) {
		p.getenv = fn
	}
}

// NewHostProbe creates a probe for the current host.
func NewHostProbe(opts ...HostProbeOption) *HostProbe {
	p := &HostProbe{
		program:    "kavach",
		getenv:     os.Getenv,
		termSize:   stdoutSize,
		hardwareID: readHardwareID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Collect implements Probe.
func (p *HostProbe) Collect() Signature {
	return Signature{
		UserAgent:        p.userAgent(),
		ScreenResolution: p.resolution(),
		Timezone:         timezone(p.now()),
		Language:         p.language(),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		CanvasHash:       p.canvasHash(),
		GeneratedAt:      p.now().UTC(),
	}
}

// userAgent names the program and platform only. Build and toolchain
// versions change on every upgrade and would read as device drift.
func (p *HostProbe) userAgent() string {
	return fmt.Sprintf("%s (%s; %s)", p.program, runtime.GOOS, runtime.GOARCH)
}

func (p *HostProbe) resolution() string {
	w, h, err := p.termSize()
	if err != nil || w <= 0 || h <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d", w, h)
}

func stdoutSize() (int, int, error) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0, 0, errors.New("stdout is not a terminal")
	}
	return term.GetSize(fd)
}

func timezone(now time.Time) string {
	if name := now.Location().String(); name != "Local" && name != "" {
		return name
	}
	name, offset := now.Zone()
	return fmt.Sprintf("%s%+03d:%02d", name, offset/3600, abs(offset%3600)/60)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// language canonicalizes the POSIX locale (e.g. "en_IN.UTF-8") to a
// BCP 47 tag.
func (p *HostProbe) language() string {
	loc := p.getenv("LC_ALL")
	if loc == "" {
		loc = p.getenv("LANG")
	}
	if i := strings.IndexAny(loc, ".@"); i >= 0 {
		loc = loc[:i]
	}
	if loc == "" || loc == "C" || loc == "POSIX" {
		return language.Und.String()
	}
	tag, err := language.Parse(strings.ReplaceAll(loc, "_", "-"))
	if err != nil {
		return language.Und.String()
	}
	return tag.String()
}

// =============================================================================
// RENDERING PROBE
// =============================================================================

// glyphs is a fixed 5x7 bitmap pattern drawn by the rendering probe.
var glyphs = [][7]uint8{
	{0x11, 0x12, 0x14, 0x18, 0x14, 0x12, 0x11}, // K
	{0x0E, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11}, // A
	{0x11, 0x11, 0x11, 0x11, 0x11, 0x0A, 0x04}, // V
	{0x0E, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11}, // A
	{0x0E, 0x11, 0x10, 0x10, 0x10, 0x11, 0x0E}, // C
	{0x11, 0x11, 0x11, 0x1F, 0x11, 0x11, 0x11}, // H
}

const glyphScale = 4

// renderGlyphs draws the fixed pattern into an RGBA buffer. Every pixel
// mixes its position with the host salt so the buffer differs per machine.
func renderGlyphs(salt []byte) *image.RGBA {
	w := len(glyphs) * 6 * glyphScale
	h := 9 * glyphScale
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	bg := color.RGBA{R: 0xF6, G: 0x0F, B: 0x1E, A: 0xFF}
	fg := color.RGBA{R: 0x06, G: 0x69, B: 0x8C, A: 0xFF}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := salt[(x+y*w)%len(salt)]
			img.SetRGBA(x, y, color.RGBA{R: bg.R ^ s, G: bg.G, B: bg.B ^ uint8(x), A: bg.A})
		}
	}

	for gi, g := range glyphs {
		ox := (gi*6 + 1) * glyphScale
		for row := 0; row < 7; row++ {
			for col := 0; col < 5; col++ {
				if g[row]&(0x10>>col) == 0 {
					continue
				}
				for dy := 0; dy < glyphScale; dy++ {
					for dx := 0; dx < glyphScale; dx++ {
						x, y := ox+col*glyphScale+dx, (row+1)*glyphScale+dy
						s := salt[(x*y)%len(salt)]
						img.SetRGBA(x, y, color.RGBA{R: fg.R, G: fg.G ^ s, B: fg.B, A: fg.A})
					}
				}
			}
		}
	}
	return img
}

func (p *HostProbe) canvasHash() string {
	id, err := p.hardwareID()
	if err != nil || id == "" {
		return CanvasUnsupported
	}
	salt := sha256.Sum256([]byte(id))
	img := renderGlyphs(salt[:])
	sum := sha256.Sum256(img.Pix)
	return hex.EncodeToString(sum[:])
}

// readHardwareID combines the machine id and CPU model.
func readHardwareID() (string, error) {
	var parts []string
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				parts = append(parts, id)
				break
			}
		}
	}
	if model := cpuModel(); model != "" {
		parts = append(parts, model)
	}
	if len(parts) == 0 {
		return "", errors.New("no hardware identity available")
	}
	return strings.Join(parts, "|"), nil
}

func cpuModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "model name") {
			if i := strings.IndexByte(line, ':'); i >= 0 {
				return strings.TrimSpace(line[i+1:])
			}
		}
	}
	return ""
}
