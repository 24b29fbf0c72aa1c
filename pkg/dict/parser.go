package dict

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hsdfat/diam-engine/models_base"
)

// AVPDef describes one AVP of the dictionary.
type AVPDef struct {
	Name       string // e.g., "Origin-Host"
	Code       uint32
	Type       models_base.TypeID
	TypeName   string   // e.g., "DiameterIdentity"
	Must       bool     // M-bit
	MayEncrypt bool     // P-bit
	VendorID   uint32   // 0 for IETF AVPs
	Grouped    []*Field // members of a Grouped AVP
}

// Field is a member of a command or grouped AVP.
type Field struct {
	Name     string // AVP name, "AVP" for the generic wildcard
	AVP      *AVPDef
	Fixed    bool
	Required bool
	Repeated bool
	Position int
}

// CommandDef describes a request or answer.
type CommandDef struct {
	Name          string // e.g., "Capabilities-Exchange-Request"
	Abbreviation  string // e.g., "CER"
	Code          uint32
	ApplicationID uint32
	Request       bool
	Proxiable     bool
	Fields        []*Field
}

// EnumDef is a named set of enumerated values.
type EnumDef struct {
	Name   string
	Values map[string]uint32
}

// parser reads dictionary files. The grammar is line oriented:
//
//	const S6A_APPLICATION_ID = 16777251;
//	avp Origin-Host { code = 264; type = DiameterIdentity; must = true; }
//	command Capabilities-Exchange-Request { code = 257; request = true;
//	    fixed required Origin-Host origin_host = 1; }
//	enum Disconnect-Cause { REBOOTING = 0; }
type parser struct {
	avps     map[string]*AVPDef
	commands []*CommandDef
	enums    map[string]*EnumDef
	consts   map[string]uint64
	line     int
}

func newParser() *parser {
	return &parser{
		avps:   make(map[string]*AVPDef),
		enums:  make(map[string]*EnumDef),
		consts: make(map[string]uint64),
	}
}

func (p *parser) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var block string
	var lines []string
	depth := 0

	for scanner.Scan() {
		p.line++
		line := stripComment(scanner.Text())
		if line == "" || strings.HasPrefix(line, "syntax") || strings.HasPrefix(line, "package ") ||
			strings.HasPrefix(line, "option ") {
			continue
		}

		if block == "" {
			switch {
			case strings.HasPrefix(line, "const "):
				if err := p.parseConst(line); err != nil {
					return p.errorf("%v", err)
				}
				continue
			case strings.HasPrefix(line, "avp "):
				block = "avp"
			case strings.HasPrefix(line, "command "):
				block = "command"
			case strings.HasPrefix(line, "enum "):
				block = "enum"
			default:
				return p.errorf("unexpected %q", line)
			}
			lines = []string{line}
			depth = strings.Count(line, "{") - strings.Count(line, "}")
			if depth > 0 {
				continue
			}
		} else {
			lines = append(lines, line)
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth > 0 {
				continue
			}
		}

		var err error
		switch block {
		case "avp":
			err = p.parseAVPBlock(lines)
		case "command":
			err = p.parseCommandBlock(lines)
		case "enum":
			err = p.parseEnumBlock(lines)
		}
		if err != nil {
			return p.errorf("%v", err)
		}
		block, lines = "", nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if block != "" {
		return p.errorf("unterminated %s block %q", block, lines[0])
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("dict: line %d: %s", p.line, fmt.Sprintf(format, args...))
}

// resolve links field references to AVP definitions once every file is read.
func (p *parser) resolve() error {
	link := func(owner string, fields []*Field) error {
		for _, f := range fields {
			if f.Name == "AVP" {
				continue
			}
			def, ok := p.avps[f.Name]
			if !ok {
				return fmt.Errorf("dict: %s references unknown AVP %s", owner, f.Name)
			}
			f.AVP = def
		}
		return nil
	}
	for _, cmd := range p.commands {
		if err := link(cmd.Name, cmd.Fields); err != nil {
			return err
		}
	}
	for _, def := range p.avps {
		if err := link(def.Name, def.Grouped); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseAVPBlock(lines []string) error {
	name := blockName(lines[0])
	if name == "" {
		return fmt.Errorf("invalid AVP declaration: %s", lines[0])
	}
	def := &AVPDef{Name: name}

	inGrouped := false
	for _, line := range bodyLines(lines) {
		if strings.HasPrefix(line, "grouped") && strings.HasSuffix(line, "{") {
			inGrouped = true
			continue
		}
		if inGrouped {
			if line == "}" {
				inGrouped = false
				continue
			}
			f, err := parseField(line)
			if err != nil {
				return fmt.Errorf("AVP %s: %w", name, err)
			}
			def.Grouped = append(def.Grouped, f)
			continue
		}
		for _, kv := range splitProps(line) {
			key, value := kv[0], kv[1]
			switch key {
			case "code":
				code, err := strconv.ParseUint(value, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid code for AVP %s: %v", name, err)
				}
				def.Code = uint32(code)
			case "type":
				t, ok := models_base.Available[value]
				if !ok {
					return fmt.Errorf("unknown type %q for AVP %s", value, name)
				}
				def.TypeName, def.Type = value, t
			case "must":
				def.Must = value == "true"
			case "may_encrypt":
				def.MayEncrypt = value == "true"
			case "vendor_id":
				v, err := strconv.ParseUint(value, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid vendor_id for AVP %s: %v", name, err)
				}
				def.VendorID = uint32(v)
			}
		}
	}
	if inGrouped {
		return fmt.Errorf("AVP %s: unterminated grouped block", name)
	}
	if def.Type == models_base.UnknownType {
		return fmt.Errorf("AVP %s has no type", name)
	}
	p.avps[name] = def
	return nil
}

func (p *parser) parseCommandBlock(lines []string) error {
	name := blockName(lines[0])
	if name == "" {
		return fmt.Errorf("invalid command declaration: %s", lines[0])
	}
	cmd := &CommandDef{Name: name, Abbreviation: abbreviate(name)}

	for _, line := range bodyLines(lines) {
		key := strings.TrimSpace(strings.SplitN(line, "=", 2)[0])
		if strings.Contains(key, " ") {
			f, err := parseField(line)
			if err != nil {
				return fmt.Errorf("command %s: %w", name, err)
			}
			cmd.Fields = append(cmd.Fields, f)
			continue
		}
		for _, kv := range splitProps(line) {
			key, value := kv[0], kv[1]
			switch key {
			case "code":
				code, err := strconv.ParseUint(value, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid code for command %s: %v", name, err)
				}
				cmd.Code = uint32(code)
			case "application_id":
				v, err := p.number(value)
				if err != nil {
					return fmt.Errorf("invalid application_id for command %s: %v", name, err)
				}
				cmd.ApplicationID = uint32(v)
			case "request":
				cmd.Request = value == "true"
			case "proxiable":
				cmd.Proxiable = value == "true"
			}
		}
	}
	p.commands = append(p.commands, cmd)
	return nil
}

func (p *parser) parseEnumBlock(lines []string) error {
	name := blockName(lines[0])
	if name == "" {
		return fmt.Errorf("invalid enum declaration: %s", lines[0])
	}
	enum := &EnumDef{Name: name, Values: make(map[string]uint32)}
	for _, line := range bodyLines(lines) {
		for _, kv := range splitProps(line) {
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid enum value for %s.%s: %v", name, kv[0], err)
			}
			enum.Values[kv[0]] = uint32(v)
		}
	}
	p.enums[name] = enum
	return nil
}

func (p *parser) parseConst(line string) error {
	line = strings.TrimSuffix(strings.TrimPrefix(line, "const "), ";")
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid const declaration: %s", line)
	}
	name := strings.TrimSpace(parts[0])
	v, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid const value for %s: %v", name, err)
	}
	p.consts[name] = v
	return nil
}

// number accepts a literal or the name of a previously declared const.
func (p *parser) number(s string) (uint64, error) {
	if v, ok := p.consts[s]; ok {
		return v, nil
	}
	return strconv.ParseUint(s, 10, 32)
}

// parseField parses "[fixed|repeated] [required|optional] Name field = N".
func parseField(line string) (*Field, error) {
	parts := strings.Fields(strings.TrimSuffix(line, ";"))
	f := &Field{}
	i := 0
loop:
	for ; i < len(parts); i++ {
		switch parts[i] {
		case "fixed":
			f.Fixed = true
			continue
		case "repeated":
			f.Repeated = true
			continue
		case "required":
			f.Required = true
			continue
		case "optional":
			continue
		}
		break loop
	}
	if i >= len(parts) {
		return nil, fmt.Errorf("invalid field definition: %s", line)
	}
	f.Name = parts[i]
	if eq := indexOf(parts, "="); eq >= 0 && eq+1 < len(parts) {
		if pos, err := strconv.Atoi(parts[eq+1]); err == nil {
			f.Position = pos
		}
	}
	return f, nil
}

func indexOf(parts []string, s string) int {
	for i, p := range parts {
		if p == s {
			return i
		}
	}
	return -1
}

// blockName extracts "Origin-Host" from "avp Origin-Host {".
func blockName(line string) string {
	parts := strings.Fields(strings.SplitN(line, "{", 2)[0])
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// bodyLines splits a block into statements, dropping its outer braces.
func bodyLines(lines []string) []string {
	text := strings.Join(lines, "\n")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var out []string
	for _, l := range strings.Split(text[start+1:end], "\n") {
		for _, stmt := range strings.Split(l, ";") {
			stmt = strings.TrimSpace(stmt)
			switch {
			case stmt == "":
			case strings.HasSuffix(stmt, "{") || stmt == "}":
				out = append(out, stmt)
			case strings.HasSuffix(stmt, "}"):
				out = append(out, strings.TrimSpace(strings.TrimSuffix(stmt, "}")), "}")
			default:
				out = append(out, stmt)
			}
		}
	}
	return out
}

// splitProps turns "code = 264" into {{"code", "264"}}.
func splitProps(line string) [][2]string {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return nil
	}
	return [][2]string{{strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])}}
}

func stripComment(line string) string {
	if idx := strings.Index(line, "//"); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

// abbreviate generates "CER" from "Capabilities-Exchange-Request".
func abbreviate(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "-") {
		if part != "" {
			b.WriteString(strings.ToUpper(part[:1]))
		}
	}
	return b.String()
}
