// Package keycode defines the identifier codec for modules and submodules.
//
// A Keycode is a fixed-width, uppercase identifier naming exactly one
// installed module. A SubKeycode names a plugin inside one module's
// namespace and always carries the parent keycode it belongs to.
package keycode

import (
	"errors"
	"fmt"
	"strings"
)

// Width is the fixed byte width of a Keycode. Shorter names are
// right-padded with zero bytes; padding never appears mid-identifier.
const Width = 5

// Separator joins a parent keycode and a submodule suffix.
const Separator = "."

// ErrInvalid is returned for any malformed keycode or sub-keycode.
var ErrInvalid = errors.New("invalid keycode")

// Keycode is a fixed-width module identifier. The zero value is not a
// valid keycode; obtain one via Parse or MustParse.
type Keycode [Width]byte

// Parse converts a string into a Keycode.
// Accepts 1 to Width uppercase letters; anything else is rejected.
func Parse(s string) (Keycode, error) {
	var kc Keycode
	if s == "" {
		return kc, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if len(s) > Width {
		return kc, fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalid, s, Width)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return kc, fmt.Errorf("%w: %q contains %q, want A-Z", ErrInvalid, s, c)
		}
		kc[i] = c
	}
	return kc, nil
}

// MustParse is Parse that panics on error. For literals in wiring and tests.
func MustParse(s string) Keycode {
	kc, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return kc
}

// String returns the identifier with padding trimmed.
func (k Keycode) String() string {
	n := 0
	for n < Width && k[n] != 0 {
		n++
	}
	return string(k[:n])
}

// IsZero reports whether k is the zero (unset) keycode.
func (k Keycode) IsZero() bool {
	return k == Keycode{}
}

// validate checks the internal byte layout: uppercase letters followed
// only by zero padding. Guards keycodes that arrive from storage rather
// than Parse.
func (k Keycode) validate() error {
	if k.IsZero() {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	padded := false
	for i := 0; i < Width; i++ {
		c := k[i]
		switch {
		case c == 0:
			padded = true
		case padded:
			return fmt.Errorf("%w: %q has interior padding", ErrInvalid, k[:])
		case c < 'A' || c > 'Z':
			return fmt.Errorf("%w: %q contains %q, want A-Z", ErrInvalid, k[:], c)
		}
	}
	return nil
}

// Validate reports whether the keycode's byte layout is well formed.
func (k Keycode) Validate() error {
	return k.validate()
}

// SubKeycode names a submodule within one parent module's namespace.
// The zero value is not valid; obtain one via ParseSub or MustParseSub.
type SubKeycode struct {
	parent Keycode
	suffix [Width]byte
}

// ParseSub converts "PARENT.SUFFIX" into a SubKeycode.
// The suffix allows 1 to Width characters from A-Z and 0-9.
func ParseSub(s string) (SubKeycode, error) {
	var sk SubKeycode
	parent, suffix, ok := strings.Cut(s, Separator)
	if !ok {
		return sk, fmt.Errorf("%w: %q missing %q separator", ErrInvalid, s, Separator)
	}
	kc, err := Parse(parent)
	if err != nil {
		return sk, fmt.Errorf("sub-keycode parent: %w", err)
	}
	if suffix == "" {
		return sk, fmt.Errorf("%w: %q has empty suffix", ErrInvalid, s)
	}
	if len(suffix) > Width {
		return sk, fmt.Errorf("%w: suffix %q exceeds %d bytes", ErrInvalid, suffix, Width)
	}
	sk.parent = kc
	for i := 0; i < len(suffix); i++ {
		c := suffix[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return SubKeycode{}, fmt.Errorf("%w: suffix %q contains %q, want A-Z0-9", ErrInvalid, suffix, c)
		}
		sk.suffix[i] = c
	}
	return sk, nil
}

// MustParseSub is ParseSub that panics on error.
func MustParseSub(s string) SubKeycode {
	sk, err := ParseSub(s)
	if err != nil {
		panic(err)
	}
	return sk
}

// Parent returns the parent module keycode the submodule is scoped to.
func (s SubKeycode) Parent() Keycode {
	return s.parent
}

// String returns the "PARENT.SUFFIX" form.
func (s SubKeycode) String() string {
	n := 0
	for n < Width && s.suffix[n] != 0 {
		n++
	}
	return s.parent.String() + Separator + string(s.suffix[:n])
}

// IsZero reports whether s is the zero (unset) sub-keycode.
func (s SubKeycode) IsZero() bool {
	return s == SubKeycode{}
}
