package config

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but ignores spaces inside areas surrounded
// by the specified quote character.
// To specify a single quote use backslash to escape it: '\''
func SplitQuotedFields(in string, quote rune) []string {
	type stateEnum int
	const (
		inSpace stateEnum = iota
		inField
		inQuote
		inQuoteEscaped
	)
	state := inSpace
	r := []string{}
	var buf bytes.Buffer
	// started is true once the current field has begun, even if it is the
	// empty quoted string.
	started := false

	for _, ch := range in {
		switch state {
		case inSpace:
			if ch == quote {
				state = inQuote
				started = true
			} else if !unicode.IsSpace(ch) {
				buf.WriteRune(ch)
				state = inField
				started = true
			}

		case inField:
			if ch == quote {
				state = inQuote
			} else if unicode.IsSpace(ch) {
				r = append(r, buf.String())
				buf.Reset()
				started = false
				state = inSpace
			} else {
				buf.WriteRune(ch)
			}

		case inQuote:
			if ch == quote {
				state = inField
			} else if ch == '\\' {
				state = inQuoteEscaped
			} else {
				buf.WriteRune(ch)
			}

		case inQuoteEscaped:
			buf.WriteRune(ch)
			state = inQuote
		}
	}

	if started {
		r = append(r, buf.String())
	}

	return r
}

// ConfigureList writes every field of the struct pointed to by conf that
// carries the given struct tag, one per line, as "name<TAB>value".
func ConfigureList(out io.Writer, conf interface{}, tag string) {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	v := reflect.ValueOf(conf).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := tagName(t.Field(i), tag)
		if name == "" {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", name, fieldString(v.Field(i)))
	}
	w.Flush()
}

// ConfigureListByName returns "name<TAB>value\n" for the field whose tag
// name is cfgname, or the empty string if there is no such field.
func ConfigureListByName(conf interface{}, cfgname, tag string) string {
	if cfgname == "" {
		return ""
	}
	v := reflect.ValueOf(conf).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tagName(t.Field(i), tag) == cfgname {
			return fmt.Sprintf("%s\t%s\n", cfgname, fieldString(v.Field(i)))
		}
	}
	return ""
}

func tagName(field reflect.StructField, tag string) string {
	name := field.Tag.Get(tag)
	if i := strings.Index(name, ","); i >= 0 {
		name = name[:i]
	}
	return name
}

func fieldString(field reflect.Value) string {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return "<not defined>"
		}
		field = field.Elem()
	}
	return fmt.Sprintf("%v", field)
}
