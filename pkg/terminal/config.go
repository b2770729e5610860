package terminal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-delve/dma/pkg/config"
)

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		config.ConfigureList(t.stdout, t.conf, "yaml")
		return nil
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	default:
		return configureSet(t, args)
	}
}

func configureFindFieldByName(conf *config.Config, name string) reflect.Value {
	v := reflect.ValueOf(conf).Elem()
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		fieldName := typ.Field(i).Tag.Get("yaml")
		if comma := strings.Index(fieldName, ","); comma >= 0 {
			fieldName = fieldName[:comma]
		}
		if fieldName == name {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

func configureSet(t *Term, args string) error {
	cfgname, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	if cfgname == "alias" {
		return configureSetAlias(t, rest)
	}

	field := configureFindFieldByName(t.conf, cfgname)
	if !field.IsValid() || !field.CanAddr() || field.Kind() == reflect.Map {
		return fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	simpleArg := func(typ reflect.Type) (reflect.Value, error) {
		switch typ.Kind() {
		case reflect.Int:
			n, err := strconv.Atoi(rest)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("argument to %q must be a number", cfgname)
			}
			if n < 0 {
				return reflect.Value{}, fmt.Errorf("argument to %q must be a number greater than zero", cfgname)
			}
			return reflect.ValueOf(&n), nil
		case reflect.String:
			s := rest
			if v := config.SplitQuotedFields(rest, '"'); len(v) == 1 {
				s = v[0]
			}
			return reflect.ValueOf(&s), nil
		default:
			return reflect.Value{}, fmt.Errorf("unsupported type for configuration key %q", cfgname)
		}
	}

	if field.Kind() == reflect.Ptr {
		val, err := simpleArg(field.Type().Elem())
		if err != nil {
			return err
		}
		field.Set(val)
	} else {
		val, err := simpleArg(field.Type())
		if err != nil {
			return err
		}
		field.Set(val.Elem())
	}
	return nil
}

func configureSetAlias(t *Term, rest string) error {
	argv := config.SplitQuotedFields(rest, '"')
	switch len(argv) {
	case 1: // delete alias rule
		for k := range t.conf.Aliases {
			v := t.conf.Aliases[k]
			for i := range v {
				if v[i] == argv[0] {
					copy(v[i:], v[i+1:])
					t.conf.Aliases[k] = v[:len(v)-1]
					break
				}
			}
		}
	case 2: // add alias rule
		alias, cmd := argv[1], argv[0]
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[cmd] = append(t.conf.Aliases[cmd], alias)
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
