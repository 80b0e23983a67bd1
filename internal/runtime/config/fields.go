package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// secretKeys are never rendered into configuration text.
var secretKeys = map[string]bool{
	"secret.password":    true,
	"bootstrap.password": true,
}

// Set assigns value to the setting addressed by section and key, using the
// YAML names ("mqtt", "reconnect_backoff"). Values are parsed according to
// the field type; lists are comma separated.
func (c *Config) Set(section, key, value string) error {
	field, err := c.lookup(section, key)
	if err != nil {
		return err
	}
	return assign(field, value)
}

// Get renders the setting addressed by section and key.
func (c *Config) Get(section, key string) (string, error) {
	field, err := c.lookup(section, key)
	if err != nil {
		return "", err
	}
	return render(field), nil
}

// Render lists every non-secret setting as "section.key=value" lines in
// declaration order.
func (c *Config) Render() string {
	var b strings.Builder
	c.walk(func(section, key string, field reflect.Value) {
		if secretKeys[section+"."+key] {
			return
		}
		fmt.Fprintf(&b, "%s.%s=%s\n", section, key, render(field))
	})
	return b.String()
}

// Apply parses "section.key=value" lines and sets each one. Blank lines and
// lines starting with '#' are ignored. Every line is attempted; the first
// error is returned.
func (c *Config) Apply(text string) error {
	var firstErr error
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("config: malformed line %q", line)
			}
			continue
		}
		section, key, ok := strings.Cut(strings.TrimSpace(name), ".")
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("config: setting %q has no section", name)
			}
			continue
		}
		if err := c.Set(section, key, strings.TrimSpace(value)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Config) lookup(section, key string) (reflect.Value, error) {
	var found reflect.Value
	c.walk(func(s, k string, field reflect.Value) {
		if strings.EqualFold(s, section) && strings.EqualFold(k, key) {
			found = field
		}
	})
	if !found.IsValid() {
		return reflect.Value{}, fmt.Errorf("config: unknown setting %s.%s", section, key)
	}
	return found, nil
}

func (c *Config) walk(fn func(section, key string, field reflect.Value)) {
	root := reflect.ValueOf(c).Elem()
	rootType := root.Type()
	for i := range root.NumField() {
		section := yamlName(rootType.Field(i))
		sub := root.Field(i)
		subType := sub.Type()
		for j := range sub.NumField() {
			fn(section, yamlName(subType.Field(j)), sub.Field(j))
		}
	}
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

func assign(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("config: invalid bool %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("config: invalid integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Slice:
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("config: unsupported setting type %s", field.Type())
	}
	return nil
}

func render(field reflect.Value) string {
	if field.Type() == durationType {
		return time.Duration(field.Int()).String()
	}
	switch field.Kind() {
	case reflect.Slice:
		items, _ := field.Interface().([]string)
		return strings.Join(items, ",")
	default:
		return fmt.Sprint(field.Interface())
	}
}
