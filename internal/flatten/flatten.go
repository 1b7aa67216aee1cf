// Package flatten turns a nested JSON document into a flat list of
// key/value pairs whose keys map directly onto MQTT topic levels.
package flatten

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// Separator joins the levels of a flattened key.
const Separator = "/"

// Metric is one leaf of a flattened document.
type Metric struct {
	Key   string
	Value string
}

// Flatten walks doc and returns one Metric per leaf, keyed by prefix
// followed by each nested key (array elements by index). Keys at every
// level are visited in sorted order so the result is stable across
// calls. An empty or nil document yields no metrics.
func Flatten(doc map[string]any, prefix string) []Metric {
	var out []Metric
	walkObject(doc, prefix, &out)
	return out
}

func walkObject(m map[string]any, path string, out *[]Metric) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		walk(m[k], join(path, k), out)
	}
}

func walk(v any, path string, out *[]Metric) {
	switch t := v.(type) {
	case map[string]any:
		walkObject(t, path, out)
	case []any:
		for i, e := range t {
			walk(e, join(path, strconv.Itoa(i)), out)
		}
	default:
		*out = append(*out, Metric{Key: path, Value: FormatValue(v)})
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + Separator + key
}

// FormatValue renders a decoded JSON leaf as the string that is
// published. Strings are passed through, numbers keep their literal
// spelling when decoded as json.Number.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
