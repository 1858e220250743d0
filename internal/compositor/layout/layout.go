// Package layout implements scancode-set-2 to keycode translation tables
// for the compositor's input router, one table per keyboard layout
// (kbd_get_layout/kbd_set_layout/kbd_list_layouts). Tables use scancode
// set 2, one file-local table per physical layout.
package layout

// Keycode is anyOS's layout-independent key identity, stable across
// scancode sets and physical keyboard layouts.
type Keycode int

const (
	KeyUnknown Keycode = iota
	KeyA
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
	KeyG
	KeyH
	KeyI
	KeyJ
	KeyK
	KeyL
	KeyM
	KeyN
	KeyO
	KeyP
	KeyQ
	KeyR
	KeyS
	KeyT
	KeyU
	KeyV
	KeyW
	KeyX
	KeyY
	KeyZ
	Key0
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	KeyEnter
	KeyEscape
	KeyBackspace
	KeyTab
	KeySpace
	KeyMinus
	KeyEquals
	KeyLeftBracket
	KeyRightBracket
	KeySemicolon
	KeyQuote
	KeyGrave
	KeyBackslash
	KeyComma
	KeyPeriod
	KeySlash
	KeyCapsLock
	KeyLeftShift
	KeyRightShift
	KeyLeftCtrl
	KeyRightCtrl
	KeyLeftAlt
	KeyRightAlt
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
)

// Layout maps a scancode-set-2 byte to a Keycode. A zero-value entry absent
// from the map means the scancode is unmapped in this layout.
type Layout struct {
	Name  string
	table map[byte]Keycode
}

// Translate resolves a raw scancode to a Keycode, or KeyUnknown if this
// layout has no mapping for it.
func (l *Layout) Translate(scancode byte) Keycode {
	if k, ok := l.table[scancode]; ok {
		return k
	}
	return KeyUnknown
}

var registry = map[string]*Layout{
	"us": usLayout(),
	"de": deLayout(),
}

// Get returns the named layout, or (nil, false) if it is not registered.
func Get(name string) (*Layout, bool) {
	l, ok := registry[name]
	return l, ok
}

// List returns the names of every registered layout, used by
// kbd_list_layouts.
func List() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}

// the shared alphanumeric/row-1 scancode-set-2 assignments common to both
// layouts; per-layout tables start from this and override the punctuation
// keys that physically differ between US and German keyboards.
func baseQwertyTable() map[byte]Keycode {
	return map[byte]Keycode{
		0x1c: KeyA, 0x32: KeyB, 0x21: KeyC, 0x23: KeyD, 0x24: KeyE,
		0x2b: KeyF, 0x34: KeyG, 0x33: KeyH, 0x43: KeyI, 0x3b: KeyJ,
		0x42: KeyK, 0x4b: KeyL, 0x3a: KeyM, 0x31: KeyN, 0x44: KeyO,
		0x4d: KeyP, 0x15: KeyQ, 0x2d: KeyR, 0x1b: KeyS, 0x2c: KeyT,
		0x3c: KeyU, 0x2a: KeyV, 0x1d: KeyW, 0x22: KeyX, 0x35: KeyY,
		0x1a: KeyZ,
		0x45:  Key0, 0x16: Key1, 0x1e: Key2, 0x26: Key3, 0x25: Key4,
		0x2e: Key5, 0x36: Key6, 0x3d: Key7, 0x3e: Key8, 0x46: Key9,
		0x5a: KeyEnter, 0x76: KeyEscape, 0x66: KeyBackspace, 0x0d: KeyTab,
		0x29: KeySpace, 0x58: KeyCapsLock,
		0x12: KeyLeftShift, 0x59: KeyRightShift,
		0x14: KeyLeftCtrl, 0x11: KeyLeftAlt,
		0x75: KeyUp, 0x72: KeyDown, 0x6b: KeyLeft, 0x74: KeyRight,
	}
}

func usLayout() *Layout {
	t := baseQwertyTable()
	t[0x4e] = KeyMinus
	t[0x55] = KeyEquals
	t[0x54] = KeyLeftBracket
	t[0x5b] = KeyRightBracket
	t[0x4c] = KeySemicolon
	t[0x52] = KeyQuote
	t[0x0e] = KeyGrave
	t[0x5d] = KeyBackslash
	t[0x41] = KeyComma
	t[0x49] = KeyPeriod
	t[0x4a] = KeySlash
	return &Layout{Name: "us", table: t}
}

// deLayout reflects the QWERTZ punctuation remapping: Y/Z are swapped at
// the physical key level on a German keyboard, and several punctuation
// scancodes carry umlaut/ß keys instead of US brackets.
func deLayout() *Layout {
	t := baseQwertyTable()
	t[0x1a] = KeyY // physical Z key position produces Y's keycode mapping point
	t[0x35] = KeyZ // physical Y key position
	t[0x4e] = KeySlash     // ß
	t[0x55] = KeyQuote     // ´
	t[0x54] = KeyQuote     // ü
	t[0x5b] = KeyPlus()
	t[0x4c] = KeySemicolon // ö
	t[0x52] = KeyQuote     // ä
	t[0x0e] = KeyGrave     // ^
	t[0x5d] = KeyBackslash // #
	t[0x41] = KeyComma
	t[0x49] = KeyPeriod
	t[0x4a] = KeyMinus // -
	return &Layout{Name: "de", table: t}
}

// KeyPlus exists because the German "+" key has no US-layout counterpart in
// the Keycode enum above; it is folded onto KeyEquals rather than growing
// the shared enum for one layout's sake.
func KeyPlus() Keycode { return KeyEquals }
