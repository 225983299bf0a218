package confloader

import (
	"reflect"
	"regexp"
	"strings"
)

// keyIndex maps environment names (without prefix) to koanf keys.
type keyIndex struct {
	exact    map[string]string
	patterns []keyPattern
}

// keyPattern matches keys below a map, e.g. mechanisms.*.gc_interval.
type keyPattern struct {
	re    *regexp.Regexp
	parts []string
}

// indexKeys collects the koanf keys of target's struct type. Map values
// contribute a pattern whose wildcard matches a single name segment.
func indexKeys(target any) *keyIndex {
	idx := &keyIndex{exact: make(map[string]string)}
	t := reflect.TypeOf(target)
	if t == nil {
		return idx
	}
	idx.walk(t, nil)
	return idx
}

func (idx *keyIndex) walk(t reflect.Type, path []string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag := strings.Split(f.Tag.Get("koanf"), ",")[0]
			if tag == "" || tag == "-" {
				continue
			}
			idx.walk(f.Type, append(append([]string{}, path...), tag))
		}
		return
	case reflect.Map:
		if t.Key().Kind() == reflect.String && t.Elem().Kind() != reflect.Interface {
			idx.walk(t.Elem(), append(append([]string{}, path...), "*"))
			return
		}
	}

	if len(path) == 0 {
		return
	}
	idx.add(path)
}

func (idx *keyIndex) add(path []string) {
	key := strings.Join(path, ".")
	if !strings.Contains(key, "*") {
		idx.exact[envName(key)] = key
		return
	}

	var b strings.Builder
	b.WriteString("^")
	for i, p := range path {
		if i > 0 {
			b.WriteString("_")
		}
		if p == "*" {
			b.WriteString("([A-Z0-9]+)")
		} else {
			b.WriteString(regexp.QuoteMeta(strings.ToUpper(p)))
		}
	}
	b.WriteString("$")
	idx.patterns = append(idx.patterns, keyPattern{re: regexp.MustCompile(b.String()), parts: path})
}

// resolve returns the koanf key for an environment name. Unknown names
// fall back to replacing every underscore with a dot.
func (idx *keyIndex) resolve(name string) string {
	name = strings.ToUpper(name)
	if key, ok := idx.exact[name]; ok {
		return key
	}
	for _, p := range idx.patterns {
		m := p.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		parts := make([]string, len(p.parts))
		n := 1
		for i, part := range p.parts {
			if part == "*" {
				parts[i] = strings.ToLower(m[n])
				n++
			} else {
				parts[i] = part
			}
		}
		return strings.Join(parts, ".")
	}
	return strings.ReplaceAll(strings.ToLower(name), "_", ".")
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
