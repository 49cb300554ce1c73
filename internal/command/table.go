package command

import (
	"fmt"
	"sort"
	"strings"
)

// Builder collects descriptors at startup. Build seals it into a Table.
type Builder struct {
	items  map[string]Descriptor
	sealed bool
}

func NewBuilder() *Builder {
	return &Builder{items: make(map[string]Descriptor)}
}

// ValidateDescriptor checks name format, bounds and handler presence.
func ValidateDescriptor(d Descriptor) error {
	name := strings.TrimSpace(d.Name)
	if name == "" || !isValidName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidDescriptor, d.Name)
	}
	if d.MinParams < 0 {
		return fmt.Errorf("%w: %s: negative min params", ErrInvalidDescriptor, name)
	}
	if d.MaxParams != Unlimited && d.MaxParams < d.MinParams {
		return fmt.Errorf("%w: %s: max params %d below min %d", ErrInvalidDescriptor, name, d.MaxParams, d.MinParams)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrInvalidDescriptor, name)
	}
	return nil
}

// Register adds d under its upper-cased name.
func (b *Builder) Register(d Descriptor) error {
	if b.sealed {
		return ErrTableSealed
	}
	if err := ValidateDescriptor(d); err != nil {
		return err
	}
	d.Name = strings.ToUpper(strings.TrimSpace(d.Name))
	if _, ok := b.items[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDescriptorExists, d.Name)
	}
	b.items[d.Name] = d
	return nil
}

// MustRegister is Register for static tables wired at startup.
func (b *Builder) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := b.Register(d); err != nil {
			panic(err)
		}
	}
}

// Build seals the builder. Later Register calls fail.
func (b *Builder) Build() *Table {
	b.sealed = true
	items := make(map[string]Descriptor, len(b.items))
	for k, v := range b.items {
		items[k] = v
	}
	return &Table{items: items}
}

// Table is the immutable descriptor table. Reads need no locking.
type Table struct {
	items map[string]Descriptor
}

// Lookup resolves an already case-folded name.
func (t *Table) Lookup(name string) (Descriptor, bool) {
	d, ok := t.items[name]
	return d, ok
}

// Names returns every registered name in order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.items))
	for name := range t.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) Len() int { return len(t.items) }

func isValidName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !(isAlpha || isDigit || c == '_' || c == '-') {
			return false
		}
	}
	return true
}
