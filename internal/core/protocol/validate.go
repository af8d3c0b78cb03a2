package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/hay-kot/criterio"
)

type kind int

const (
	kindString kind = iota
	kindInteger
	kindBool
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindInteger:
		return "integer"
	case kindBool:
		return "boolean"
	default:
		return "unknown"
	}
}

type field struct {
	name     string
	kind     kind
	required bool
	oneOf    []string
}

// schemas are closed: a key not listed for the command rejects the object.
var schemas = map[string][]field{
	CommandSubscribe: {
		{name: "command", kind: kindString, required: true},
		{name: "topic", kind: kindString, required: true},
		{name: "last_seen", kind: kindInteger},
		{name: "cache", kind: kindBool},
	},
	CommandUnsubscribe: {
		{name: "command", kind: kindString, required: true},
		{name: "topic", kind: kindString, required: true},
	},
	CommandSend: {
		{name: "command", kind: kindString, required: true},
		{name: "topic", kind: kindString, required: true},
		{name: "msg", kind: kindString, required: true},
		{name: "delivery", kind: kindString, required: true, oneOf: []string{string(DeliveryAll), string(DeliveryOne)}},
		{name: "cache", kind: kindBool},
	},
}

// Validate checks a decoded object against the schema selected by its
// "command" field. It has no side effects. A non-nil result is a
// criterio.FieldErrors listing every violation found.
func Validate(obj map[string]any) error {
	raw, present := obj["command"]
	if !present {
		return criterio.NewFieldErrors("command", errors.New("is required"))
	}
	name, ok := raw.(string)
	if !ok {
		return criterio.NewFieldErrors("command", errors.New("must be a string"))
	}
	fields, ok := schemas[name]
	if !ok {
		return criterio.NewFieldErrors("command", fmt.Errorf("unknown command %q", name))
	}

	var errs criterio.FieldErrorsBuilder

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !slices.ContainsFunc(fields, func(f field) bool { return f.name == k }) {
			errs = errs.Append(k, errors.New("unknown field"))
		}
	}

	for _, f := range fields {
		if _, ok := obj[f.name]; !ok && f.required {
			errs = errs.Append(f.name, errors.New("is required"))
		}
	}

	for _, f := range fields {
		v, ok := obj[f.name]
		if ok && !f.kind.matches(v) {
			errs = errs.Append(f.name, fmt.Errorf("must be %s %s", article(f.kind), f.kind))
		}
	}

	for _, f := range fields {
		s, ok := obj[f.name].(string)
		if ok && len(f.oneOf) > 0 && !slices.Contains(f.oneOf, s) {
			errs = errs.Append(f.name, fmt.Errorf("must be one of %s", strings.Join(f.oneOf, ", ")))
		}
	}

	return errs.ToError()
}

func (k kind) matches(v any) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindInteger:
		_, ok := asInteger(v)
		return ok
	}
	return false
}

// asInteger accepts json.Number literals without a fraction or exponent that
// fit in an int64. Plain Go integers are accepted for callers building
// objects by hand.
func asInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		s := n.String()
		if strings.ContainsAny(s, ".eE") {
			return 0, false
		}
		i, err := strconv.ParseInt(s, 10, 64)
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func article(k kind) string {
	if k == kindInteger {
		return "an"
	}
	return "a"
}
