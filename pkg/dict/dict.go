// Package dict holds AVP and command definitions loaded from dictionary
// files, and validates messages against them.
package dict

import (
	_ "embed"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
)

//go:embed base.dict
var baseDict string

//go:embed s6a.dict
var s6aDict string

type avpKey struct {
	code, vendor uint32
}

type commandKey struct {
	app, code uint32
	request   bool
}

// Dictionary is safe for concurrent use. It implements avp.Dictionary.
type Dictionary struct {
	mu       sync.RWMutex
	p        *parser
	byCode   map[avpKey]*AVPDef
	commands map[commandKey]*CommandDef
}

var (
	defaultOnce sync.Once
	defaultDict *Dictionary
)

// Default returns the shared dictionary built from the embedded base and S6a
// files. It must not be extended; use NewDefault for that.
func Default() *Dictionary {
	defaultOnce.Do(func() {
		defaultDict = NewDefault()
	})
	return defaultDict
}

// NewDefault returns a fresh copy of the embedded base and S6a definitions.
func NewDefault() *Dictionary {
	d := New()
	for _, src := range []string{baseDict, s6aDict} {
		if err := d.Load(strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("dict: embedded dictionary: %v", err))
		}
	}
	return d
}

// New returns an empty dictionary.
func New() *Dictionary {
	return &Dictionary{
		p:        newParser(),
		byCode:   make(map[avpKey]*AVPDef),
		commands: make(map[commandKey]*CommandDef),
	}
}

// Load parses r and merges its definitions. References to AVPs declared by
// earlier loads are allowed. On error the dictionary is left unchanged.
func (d *Dictionary) Load(r io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := &parser{
		avps:     maps.Clone(d.p.avps),
		commands: slices.Clone(d.p.commands),
		enums:    maps.Clone(d.p.enums),
		consts:   maps.Clone(d.p.consts),
	}
	if err := next.parse(r); err != nil {
		return err
	}
	if err := next.resolve(); err != nil {
		return err
	}

	byCode := make(map[avpKey]*AVPDef, len(next.avps))
	for _, def := range next.avps {
		byCode[avpKey{def.Code, def.VendorID}] = def
	}
	commands := make(map[commandKey]*CommandDef, len(next.commands))
	for _, cmd := range next.commands {
		commands[commandKey{cmd.ApplicationID, cmd.Code, cmd.Request}] = cmd
	}
	d.p, d.byCode, d.commands = next, byCode, commands
	return nil
}

// LoadString is Load for an in-memory dictionary.
func (d *Dictionary) LoadString(s string) error {
	return d.Load(strings.NewReader(s))
}

// TypeOf implements avp.Dictionary.
func (d *Dictionary) TypeOf(code, vendorID uint32) (models_base.TypeID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.byCode[avpKey{code, vendorID}]
	if !ok {
		return models_base.UnknownType, false
	}
	return def.Type, true
}

// AVP looks up an AVP definition by name.
func (d *Dictionary) AVP(name string) (*AVPDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.p.avps[name]
	return def, ok
}

// AVPByCode looks up an AVP definition by code and vendor.
func (d *Dictionary) AVPByCode(code, vendorID uint32) (*AVPDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.byCode[avpKey{code, vendorID}]
	return def, ok
}

// Command looks up a command definition.
func (d *Dictionary) Command(appID, code uint32, request bool) (*CommandDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if cmd, ok := d.commands[commandKey{appID, code, request}]; ok {
		return cmd, true
	}
	// Base commands may be carried under any application id.
	cmd, ok := d.commands[commandKey{0, code, request}]
	return cmd, ok
}

// Enum returns the named enumeration.
func (d *Dictionary) Enum(name string) (*EnumDef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.p.enums[name]
	return e, ok
}

// Const returns a named constant such as S6A_APPLICATION_ID.
func (d *Dictionary) Const(name string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.p.consts[name]
	return v, ok
}

// NewAVP builds an AVP by name with the flags and vendor of its definition.
func (d *Dictionary) NewAVP(name string, data models_base.Type) (*avp.AVP, error) {
	def, ok := d.AVP(name)
	if !ok {
		return nil, fmt.Errorf("dict: unknown AVP %s", name)
	}
	if data.Type() != def.Type && def.Type != models_base.OctetStringType {
		return nil, fmt.Errorf("dict: AVP %s is %s, got %s", name, def.Type, data.Type())
	}
	var flags avp.Flags
	if def.Must {
		flags |= avp.Mandatory
	}
	return avp.New(def.Code, flags, def.VendorID, data), nil
}

// Name returns the AVP name for code and vendor, or its numeric form.
func (d *Dictionary) Name(code, vendorID uint32) string {
	if def, ok := d.AVPByCode(code, vendorID); ok {
		return def.Name
	}
	if vendorID != 0 {
		return fmt.Sprintf("AVP(%d/%d)", code, vendorID)
	}
	return fmt.Sprintf("AVP(%d)", code)
}
