// Package actuator provides the reference implementation of
// orchestrator.Actuator, the swappable GUI driver. This implementation
// drives a controlled go-rod browser surface in place of a real desktop;
// the same capture/click/type/scroll/key vocabulary applies to a native
// Actuator, which is a straight swap behind the same interface.
package actuator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/fieldglass/vagent/internal/action"
	"github.com/fieldglass/vagent/internal/orchestrator"
)

// Config configures a RodActuator.
type Config struct {
	// Headless runs the controlled browser without a visible window.
	Headless bool
	// Width/Height is the fixed viewport the Coordinate Normalizer maps
	// model-space targets onto. Defaults: 1920x1080.
	Width, Height int
	// StartURL is the page loaded at launch.
	StartURL string
	// BinPath overrides the browser binary rod would otherwise download.
	BinPath string
}

func (c *Config) setDefaults() {
	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.StartURL == "" {
		c.StartURL = "about:blank"
	}
}

// RodActuator implements orchestrator.Actuator against a go-rod-controlled
// browser page.
type RodActuator struct {
	browser *rod.Browser
	page    *rod.Page
	w, h    int
}

var _ orchestrator.Actuator = (*RodActuator)(nil)

// New launches a browser (from BinPath when set) and returns a ready-to-use
// RodActuator. It does not attach to an already running browser.
func New(cfg Config) (*RodActuator, error) {
	cfg.setDefaults()

	l := launcher.New().Headless(cfg.Headless)
	if cfg.BinPath != "" {
		l = l.Bin(cfg.BinPath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: cfg.StartURL})
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  cfg.Width,
		Height: cfg.Height,
	}); err != nil {
		return nil, fmt.Errorf("setting viewport: %w", err)
	}

	return &RodActuator{browser: browser, page: page, w: cfg.Width, h: cfg.Height}, nil
}

// Close releases the browser and its connection.
func (a *RodActuator) Close() error {
	if a.browser == nil {
		return nil
	}
	return a.browser.Close()
}

// Resolution reports the fixed viewport size.
func (a *RodActuator) Resolution() (int, int) {
	return a.w, a.h
}

// Capture returns the current page rendering as a JPEG ScreenFrame.
func (a *RodActuator) Capture(ctx context.Context) (*orchestrator.ScreenFrame, error) {
	quality := 75
	data, err := a.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return &orchestrator.ScreenFrame{
		CapturedAt: time.Now(),
		WidthPx:    a.w,
		HeightPx:   a.h,
		JPEGBytes:  data,
	}, nil
}

// Apply dispatches a single already-pixel-mapped action.
func (a *RodActuator) Apply(ctx context.Context, act orchestrator.PixelAction) error {
	page := a.page.Context(ctx)

	switch act.Kind {
	case action.Click:
		return a.click(page, act.X, act.Y, proto.InputMouseButtonLeft, 1)
	case action.DoubleClick:
		return a.click(page, act.X, act.Y, proto.InputMouseButtonLeft, 2)
	case action.RightClick:
		return a.click(page, act.X, act.Y, proto.InputMouseButtonRight, 1)
	case action.Move:
		return page.Mouse.MoveTo(proto.Point{X: float64(act.X), Y: float64(act.Y)})
	case action.Drag:
		return a.drag(page, act.X, act.Y)
	case action.Type:
		return page.InsertText(act.Text)
	case action.Scroll:
		amount := float64(act.Amount)
		if amount == 0 {
			amount = 200
		}
		return page.Mouse.Scroll(0, amount, 1)
	case action.Key:
		return a.pressChord(page, act.Keys)
	case action.Wait:
		d := time.Duration(act.DurationMS) * time.Millisecond
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	default:
		return fmt.Errorf("actuator: unsupported action kind %q", act.Kind)
	}
}

func (a *RodActuator) click(page *rod.Page, x, y int, button proto.InputMouseButton, clickCount int) error {
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return err
	}
	return page.Mouse.Click(button, clickCount)
}

func (a *RodActuator) drag(page *rod.Page, x, y int) error {
	if err := page.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return err
	}
	return page.Mouse.Up(proto.InputMouseButtonLeft, 1)
}

// keyByToken maps the chord tokens an ActionEnvelope's Keys field carries
// onto go-rod's named CDP key constants. Plain single-character tokens
// fall back to input.Key built directly from the character's rune.
var keyByToken = map[string]input.Key{
	"enter":     input.Enter,
	"return":    input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"esc":       input.Escape,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"space":     input.Space,
	"up":        input.ArrowUp,
	"down":      input.ArrowDown,
	"left":      input.ArrowLeft,
	"right":     input.ArrowRight,
	"home":      input.Home,
	"end":       input.End,
	"pageup":    input.PageUp,
	"pagedown":  input.PageDown,
	"ctrl":      input.ControlLeft,
	"control":   input.ControlLeft,
	"shift":     input.ShiftLeft,
	"alt":       input.AltLeft,
	"cmd":       input.MetaLeft,
	"meta":      input.MetaLeft,
	"super":     input.MetaLeft,
}

// pressChord presses every token in tokens together, then releases them in
// reverse order, so "ctrl+shift+t" arrives at the page as one chord rather
// than three sequential keystrokes.
func (a *RodActuator) pressChord(page *rod.Page, tokens []string) error {
	keys := make([]input.Key, 0, len(tokens))
	for _, tok := range tokens {
		k, ok := resolveKey(tok)
		if !ok {
			return fmt.Errorf("actuator: unknown key token %q", tok)
		}
		keys = append(keys, k)
	}

	for _, k := range keys {
		if err := page.Keyboard.Press(k); err != nil {
			return err
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if err := page.Keyboard.Release(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

func resolveKey(tok string) (input.Key, bool) {
	if k, ok := keyByToken[normalizeKeyToken(tok)]; ok {
		return k, true
	}
	if runes := []rune(tok); len(runes) == 1 {
		return input.Key(runes[0]), true
	}
	return input.Key(0), false
}

func normalizeKeyToken(tok string) string {
	out := make([]rune, 0, len(tok))
	for _, r := range tok {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}
