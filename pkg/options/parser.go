package options

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/valyala/bytebufferpool"
	"gopkg.in/yaml.v3"

	xerrors "appbase/internal/errors"
)

type section struct {
	owner  string
	set    *Set
	config bool
}

// Parser merges option sets and parses the command line and the config file
// into a single Values view.
type Parser struct {
	program     string
	sections    []section
	all         *pflag.FlagSet
	config      map[string]*pflag.Flag
	configOrder []string
	owners      map[string]string
}

// NewParser returns a parser for the named program.
func NewParser(program string) *Parser {
	fs := pflag.NewFlagSet(program, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)
	return &Parser{
		program: program,
		all:     fs,
		config:  make(map[string]*pflag.Flag),
		owners:  make(map[string]string),
	}
}

// Add merges set into the parser. owner is the plugin name, empty for
// framework options. configFile marks options that may also appear in the
// config file; the rest are command-line only. Empty sets are ignored.
func (p *Parser) Add(owner string, set *Set, configFile bool) error {
	if set == nil || set.Len() == 0 {
		return nil
	}
	var err error
	set.visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if p.all.Lookup(f.Name) != nil {
			err = xerrors.New(xerrors.CodeOptionsFailure, fmt.Sprintf("option %q declared more than once", f.Name),
				xerrors.WithMetadata("owner", owner))
			return
		}
		if f.Shorthand != "" && p.all.ShorthandLookup(f.Shorthand) != nil {
			err = xerrors.New(xerrors.CodeOptionsFailure, fmt.Sprintf("shorthand -%s of %q already in use", f.Shorthand, f.Name),
				xerrors.WithMetadata("owner", owner))
		}
	})
	if err != nil {
		return err
	}
	set.visit(func(f *pflag.Flag) {
		p.all.AddFlag(f)
		p.owners[f.Name] = owner
		if configFile {
			p.config[f.Name] = f
			p.configOrder = append(p.configOrder, f.Name)
		}
	})
	p.sections = append(p.sections, section{owner: owner, set: set, config: configFile})
	return nil
}

// Owner returns the plugin that declared name, empty for framework options.
func (p *Parser) Owner(name string) string {
	return p.owners[name]
}

// ParseArgs parses command-line arguments (without the program name).
// Positional arguments are rejected.
func (p *Parser) ParseArgs(args []string) error {
	if err := p.all.Parse(args); err != nil {
		return xerrors.Wrap(xerrors.CodeOptionsFailure, err, "parse command line")
	}
	if rest := p.all.Args(); len(rest) > 0 {
		return xerrors.New(xerrors.CodeOptionsFailure, fmt.Sprintf("unexpected argument %q", rest[0]))
	}
	return nil
}

// ParseConfig applies the YAML config file at path. Command-line values take
// precedence over scalar options; list options compose. It returns the keys
// whose configured value equals the option default.
func (p *Parser) ParseConfig(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOptionsFailure, err, "read config file")
	}
	return p.parseConfig(raw, path)
}

func (p *Parser) parseConfig(raw []byte, path string) ([]string, error) {
	doc := map[string]any{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOptionsFailure, err, "parse config file",
			xerrors.WithMetadata("path", path))
	}
	for key := range doc {
		if _, ok := p.config[key]; !ok {
			return nil, xerrors.New(xerrors.CodeOptionsFailure, fmt.Sprintf("unknown config option %q", key),
				xerrors.WithMetadata("path", path))
		}
	}

	var redundant []string
	for _, name := range p.configOrder {
		value, ok := doc[name]
		if !ok || value == nil {
			continue
		}
		f := p.config[name]
		fromCLI := f.Changed
		list := f.Value.Type() == "stringSlice"
		items, err := scalarStrings(value)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeOptionsFailure, err, fmt.Sprintf("config option %q", name))
		}
		if list {
			for _, item := range items {
				if err := p.all.Set(name, item); err != nil {
					return nil, xerrors.Wrap(xerrors.CodeOptionsFailure, err, fmt.Sprintf("config option %q", name))
				}
			}
			if !fromCLI && f.Value.String() == f.DefValue {
				redundant = append(redundant, name)
			}
			continue
		}
		if len(items) != 1 {
			return nil, xerrors.New(xerrors.CodeOptionsFailure, fmt.Sprintf("config option %q expects a single value", name))
		}
		// The config value is compared with the default even when the command line wins.
		same, err := equalsDefault(f, items[0])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeOptionsFailure, err, fmt.Sprintf("config option %q", name))
		}
		if same {
			redundant = append(redundant, name)
		}
		if fromCLI {
			continue
		}
		if err := p.all.Set(name, items[0]); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeOptionsFailure, err, fmt.Sprintf("config option %q", name))
		}
	}
	return redundant, nil
}

// equalsDefault parses item with the type of f and compares it to the default.
func equalsDefault(f *pflag.Flag, item string) (bool, error) {
	fs := pflag.NewFlagSet(f.Name, pflag.ContinueOnError)
	switch f.Value.Type() {
	case "bool":
		fs.Bool(f.Name, false, "")
	case "int":
		fs.Int(f.Name, 0, "")
	case "uint64":
		fs.Uint64(f.Name, 0, "")
	case "float64":
		fs.Float64(f.Name, 0, "")
	case "duration":
		fs.Duration(f.Name, 0, "")
	default:
		fs.String(f.Name, "", "")
	}
	if err := fs.Set(f.Name, item); err != nil {
		return false, err
	}
	return fs.Lookup(f.Name).Value.String() == f.DefValue, nil
}

func scalarStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := scalarString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := scalarString(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func scalarString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", value)
	}
}

// Values returns the parsed options.
func (p *Parser) Values() Values {
	return flagValues{fs: p.all}
}

// WriteUsage writes every section, in the order added, as help text.
func (p *Parser) WriteUsage(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	_, _ = buf.WriteString(p.program + " options:\n")
	for _, sec := range p.sections {
		_, _ = buf.WriteString("\n" + sec.set.Title() + ":\n")
		_, _ = buf.WriteString(sec.set.flags.FlagUsages())
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteDefaultConfig writes a config file template in which every config
// option appears commented out with its default value.
func (p *Parser) WriteDefaultConfig(w io.Writer) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for _, sec := range p.sections {
		if !sec.config {
			continue
		}
		sec.set.visit(func(f *pflag.Flag) {
			if f.Usage != "" {
				_, _ = buf.WriteString("# " + strings.ReplaceAll(f.Usage, "\n", "\n# "))
				if sec.owner != "" {
					_, _ = buf.WriteString(" (" + sec.owner + ")")
				}
				_ = buf.WriteByte('\n')
			}
			_, _ = buf.WriteString("# " + f.Name + ": " + formatDefault(f) + "\n\n")
		})
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func formatDefault(f *pflag.Flag) string {
	if f.Value.Type() == "string" {
		return strconv.Quote(f.DefValue)
	}
	return f.DefValue
}
