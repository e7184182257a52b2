// Package options is the parsing collaborator of the application: plugins
// declare option schemas into Sets, the Parser merges them with the framework
// options, reads the command line and the YAML config file, and hands every
// plugin a Values view keyed by option name.
package options

import (
	"io"
	"time"

	"github.com/spf13/pflag"
)

// Set is an ordered group of option declarations made by one owner.
type Set struct {
	title string
	flags *pflag.FlagSet
}

// NewSet returns an empty set. title is used as the section heading in help output.
func NewSet(title string) *Set {
	fs := pflag.NewFlagSet(title, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)
	return &Set{title: title, flags: fs}
}

// Title returns the section heading.
func (s *Set) Title() string { return s.title }

// Len returns the number of declared options.
func (s *Set) Len() int {
	n := 0
	s.flags.VisitAll(func(*pflag.Flag) { n++ })
	return n
}

// Names returns option names in declaration order.
func (s *Set) Names() []string {
	var names []string
	s.flags.VisitAll(func(f *pflag.Flag) { names = append(names, f.Name) })
	return names
}

// Has reports whether name was declared in this set.
func (s *Set) Has(name string) bool {
	return s.flags.Lookup(name) != nil
}

// String declares a string option.
func (s *Set) String(name, def, usage string) { s.flags.String(name, def, usage) }

// StringP declares a string option with a one-letter shorthand.
func (s *Set) StringP(name, shorthand, def, usage string) {
	s.flags.StringP(name, shorthand, def, usage)
}

// Bool declares a boolean switch.
func (s *Set) Bool(name string, def bool, usage string) { s.flags.Bool(name, def, usage) }

// BoolP declares a boolean switch with a one-letter shorthand.
func (s *Set) BoolP(name, shorthand string, def bool, usage string) {
	s.flags.BoolP(name, shorthand, def, usage)
}

// Int declares an integer option.
func (s *Set) Int(name string, def int, usage string) { s.flags.Int(name, def, usage) }

// Uint64 declares an unsigned 64-bit option.
func (s *Set) Uint64(name string, def uint64, usage string) { s.flags.Uint64(name, def, usage) }

// Float64 declares a floating point option.
func (s *Set) Float64(name string, def float64, usage string) { s.flags.Float64(name, def, usage) }

// Duration declares a duration option such as "10s".
func (s *Set) Duration(name string, def time.Duration, usage string) {
	s.flags.Duration(name, def, usage)
}

// StringSlice declares a composing list option. Values from the command line
// and from the config file are concatenated.
func (s *Set) StringSlice(name string, def []string, usage string) {
	s.flags.StringSlice(name, def, usage)
}

func (s *Set) visit(fn func(*pflag.Flag)) {
	s.flags.VisitAll(fn)
}
