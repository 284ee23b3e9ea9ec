package cmdspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

var (
	ErrUnknownFirmware = errors.New("unknown firmware version")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrCommandMismatch = errors.New("command id does not match name")
	ErrMissingArgument = errors.New("missing argument")
	ErrUnknownArgument = errors.New("unknown argument")
)

// Command is one command a firmware version accepts.
type Command struct {
	Name     string  `json:"name"`
	ID       int     `json:"id"`
	Args     []Field `json:"args"`
	Response []Field `json:"response"`

	args     map[string]*Field
	response map[string]*Field
}

// Spec is the command set of one firmware version.
type Spec struct {
	FWVersion string    `json:"fw_version"`
	Commands  []Command `json:"commands"`

	byName map[string]*Command
}

// Registry holds the specs of every known firmware version.
type Registry struct {
	specs map[string]*Spec
}

type registryFile struct {
	Specs []Spec `json:"specs"`
}

// LoadFile reads a registry from a JSON file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := LoadRegistry(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// LoadRegistry decodes and compiles a registry:
//
//	{"specs": [{"fw_version": "1.2.0", "commands": [{"name": "ping", "id": 1, "args": [...], "response": [...]}]}]}
func LoadRegistry(r io.Reader) (*Registry, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var file registryFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding command specs: %w", err)
	}
	return NewRegistry(file.Specs...)
}

// NewRegistry compiles specs into a registry.
func NewRegistry(specs ...Spec) (*Registry, error) {
	reg := &Registry{specs: make(map[string]*Spec, len(specs))}
	for i := range specs {
		s := &specs[i]
		if s.FWVersion == "" {
			return nil, fmt.Errorf("spec %d has no firmware version", i)
		}
		if _, ok := reg.specs[s.FWVersion]; ok {
			return nil, fmt.Errorf("firmware %s listed twice", s.FWVersion)
		}
		if err := s.compile(); err != nil {
			return nil, fmt.Errorf("firmware %s: %w", s.FWVersion, err)
		}
		reg.specs[s.FWVersion] = s
	}
	return reg, nil
}

func (s *Spec) compile() error {
	s.byName = make(map[string]*Command, len(s.Commands))
	ids := make(map[int]string, len(s.Commands))
	for i := range s.Commands {
		c := &s.Commands[i]
		if c.Name == "" {
			return fmt.Errorf("command %d has no name", i)
		}
		if _, ok := s.byName[c.Name]; ok {
			return fmt.Errorf("command %s listed twice", c.Name)
		}
		if other, ok := ids[c.ID]; ok {
			return fmt.Errorf("commands %s and %s share id %d", other, c.Name, c.ID)
		}
		var err error
		if c.args, err = compileFields(c.Args); err != nil {
			return fmt.Errorf("command %s args: %w", c.Name, err)
		}
		if c.response, err = compileFields(c.Response); err != nil {
			return fmt.Errorf("command %s response: %w", c.Name, err)
		}
		s.byName[c.Name] = c
		ids[c.ID] = c.Name
	}
	return nil
}

func compileFields(fields []Field) (map[string]*Field, error) {
	out := make(map[string]*Field, len(fields))
	for i := range fields {
		f := &fields[i]
		if err := f.compile(); err != nil {
			return nil, err
		}
		if _, ok := out[f.Name]; ok {
			return nil, fmt.Errorf("field %s listed twice", f.Name)
		}
		out[f.Name] = f
	}
	return out, nil
}

// Versions returns the known firmware versions in order.
func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.specs))
	for v := range r.specs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Spec returns the spec for a firmware version.
func (r *Registry) Spec(fwVersion string) (*Spec, error) {
	s, ok := r.specs[fwVersion]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFirmware, fwVersion)
	}
	return s, nil
}

// Command looks up a command by name.
func (s *Spec) Command(name string) (*Command, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s (firmware %s)", ErrUnknownCommand, name, s.FWVersion)
	}
	return c, nil
}

// Lookup finds a command and checks its numeric id.
func (r *Registry) Lookup(fwVersion, name string, id int) (*Command, error) {
	s, err := r.Spec(fwVersion)
	if err != nil {
		return nil, err
	}
	c, err := s.Command(name)
	if err != nil {
		return nil, err
	}
	if c.ID != id {
		return nil, fmt.Errorf("%w: %s is %d, got %d", ErrCommandMismatch, name, c.ID, id)
	}
	return c, nil
}

// EncodeArgs converts API arguments to their wire form. Every required
// argument must be present and no unknown argument is accepted.
func (c *Command) EncodeArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(c.args))
	var errs []error
	for name := range args {
		if _, ok := c.args[name]; !ok {
			errs = append(errs, &FieldError{Field: name, Err: ErrUnknownArgument})
		}
	}
	for i := range c.Args {
		f := &c.Args[i]
		v, ok := args[f.Name]
		if !ok || v == nil {
			if !f.Optional {
				errs = append(errs, &FieldError{Field: f.Name, Err: ErrMissingArgument})
			}
			continue
		}
		w, err := f.Encode(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[f.Name] = w
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("command %s: %w", c.Name, errors.Join(errs...))
	}
	return out, nil
}

// DecodeResponse converts a device response to its API form. Values the spec
// does not describe are dropped.
func (c *Command) DecodeResponse(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for i := range c.Response {
		f := &c.Response[i]
		v, ok := data[f.Name]
		if !ok || v == nil {
			continue
		}
		a, err := f.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("command %s response: %w", c.Name, err)
		}
		out[f.Name] = a
	}
	return out, nil
}
