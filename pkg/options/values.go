package options

import (
	"time"

	"github.com/spf13/pflag"
)

// Values is the read-only view over parsed options handed to plugins.
// Getters return the zero value for undeclared names.
type Values interface {
	// Has reports whether name was declared by any owner.
	Has(name string) bool
	// IsSet reports whether name was given on the command line or in the config file.
	IsSet(name string) bool
	String(name string) string
	Bool(name string) bool
	Int(name string) int
	Uint64(name string) uint64
	Float64(name string) float64
	Duration(name string) time.Duration
	StringSlice(name string) []string
	// Lookup returns the textual value of name.
	Lookup(name string) (string, bool)
}

type flagValues struct {
	fs *pflag.FlagSet
}

func (v flagValues) Has(name string) bool { return v.fs.Lookup(name) != nil }

func (v flagValues) IsSet(name string) bool {
	f := v.fs.Lookup(name)
	return f != nil && f.Changed
}

func (v flagValues) String(name string) string {
	s, _ := v.fs.GetString(name)
	return s
}

func (v flagValues) Bool(name string) bool {
	b, _ := v.fs.GetBool(name)
	return b
}

func (v flagValues) Int(name string) int {
	n, _ := v.fs.GetInt(name)
	return n
}

func (v flagValues) Uint64(name string) uint64 {
	n, _ := v.fs.GetUint64(name)
	return n
}

func (v flagValues) Float64(name string) float64 {
	f, _ := v.fs.GetFloat64(name)
	return f
}

func (v flagValues) Duration(name string) time.Duration {
	d, _ := v.fs.GetDuration(name)
	return d
}

func (v flagValues) StringSlice(name string) []string {
	s, _ := v.fs.GetStringSlice(name)
	return s
}

func (v flagValues) Lookup(name string) (string, bool) {
	f := v.fs.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

// Parse builds Values from sets and command-line arguments alone, without a
// config file. It is convenient for driving a plugin outside an application.
func Parse(args []string, sets ...*Set) (Values, error) {
	p := NewParser("options")
	for _, set := range sets {
		if err := p.Add("", set, false); err != nil {
			return nil, err
		}
	}
	if err := p.ParseArgs(args); err != nil {
		return nil, err
	}
	return p.Values(), nil
}
