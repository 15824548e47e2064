package peersync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/InstruktAI/TeleClaude-sub013/cache"
	kerrors "github.com/InstruktAI/TeleClaude-sub013/errors"
)

type kind int

const (
	kindString kind = iota
	kindNonEmpty
	kindUint
	kindTime
	kindObject
	kindArray
)

func (k kind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindNonEmpty:
		return "non-empty string"
	case kindUint:
		return "unsigned integer"
	case kindTime:
		return "RFC3339 timestamp"
	case kindObject:
		return "object"
	default:
		return "array"
	}
}

type field struct {
	name     string
	kind     kind
	required bool
	elem     schema // element schema for kindArray, nested schema for kindObject
}

// schema is an explicit required-field/type contract for one JSON object.
type schema []field

var (
	projectSchema = schema{
		{name: "name", kind: kindNonEmpty, required: true},
		{name: "path", kind: kindString, required: true},
		{name: "description", kind: kindString},
	}

	todoSchema = schema{
		{name: "project", kind: kindNonEmpty, required: true},
		{name: "slug", kind: kindNonEmpty, required: true},
		{name: "status", kind: kindNonEmpty, required: true},
		{name: "description", kind: kindString},
	}

	sessionSchema = schema{
		{name: "session_id", kind: kindNonEmpty, required: true},
		{name: "computer", kind: kindNonEmpty, required: true},
		{name: "title", kind: kindString, required: true},
		{name: "status", kind: kindNonEmpty, required: true},
		{name: "project", kind: kindString},
		{name: "seq", kind: kindUint, required: true},
		{name: "updated_at", kind: kindTime, required: true},
	}

	eventSchema = schema{
		{name: "type", kind: kindNonEmpty, required: true},
		{name: "computer", kind: kindNonEmpty, required: true},
		{name: "session_id", kind: kindNonEmpty, required: true},
		{name: "seq", kind: kindUint, required: true},
		{name: "session", kind: kindObject, elem: sessionSchema},
		{name: "timestamp", kind: kindTime, required: true},
	}

	errorSchema = schema{
		{name: "code", kind: kindNonEmpty, required: true},
		{name: "message", kind: kindString, required: true},
	}
)

func itemSchema(category cache.Category) schema {
	switch category {
	case cache.CategoryProject:
		return projectSchema
	case cache.CategoryTodo:
		return todoSchema
	default:
		return sessionSchema
	}
}

func responseSchema(category cache.Category) schema {
	return schema{
		{name: "computer", kind: kindNonEmpty, required: true},
		{name: "category", kind: kindNonEmpty, required: true},
		{name: "items", kind: kindArray, elem: itemSchema(category)},
		{name: "error", kind: kindObject, elem: errorSchema},
	}
}

// decodeObject parses data as a JSON object with numbers kept exact.
func decodeObject(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

func (s schema) check(obj map[string]interface{}, path string) error {
	for _, f := range s {
		v, ok := obj[f.name]
		if !ok || v == nil {
			if f.required {
				return fmt.Errorf("%s%s: required", path, f.name)
			}
			continue
		}
		if err := f.checkValue(v, path+f.name); err != nil {
			return err
		}
	}
	return nil
}

func (f field) checkValue(v interface{}, path string) error {
	mismatch := fmt.Errorf("%s: want %s, got %T", path, f.kind, v)
	switch f.kind {
	case kindString, kindNonEmpty:
		s, ok := v.(string)
		if !ok {
			return mismatch
		}
		if f.kind == kindNonEmpty && s == "" {
			return fmt.Errorf("%s: must not be empty", path)
		}
	case kindUint:
		n, ok := v.(json.Number)
		if !ok {
			return mismatch
		}
		if _, err := parseUint(n); err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
	case kindTime:
		s, ok := v.(string)
		if !ok {
			return mismatch
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
	case kindObject:
		o, ok := v.(map[string]interface{})
		if !ok {
			return mismatch
		}
		return f.elem.check(o, path+".")
	case kindArray:
		arr, ok := v.([]interface{})
		if !ok {
			return mismatch
		}
		for i, el := range arr {
			o, ok := el.(map[string]interface{})
			if !ok {
				return fmt.Errorf("%s[%d]: want object, got %T", path, i, el)
			}
			if err := f.elem.check(o, fmt.Sprintf("%s[%d].", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseUint(n json.Number) (uint64, error) {
	u, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer: %s", n)
	}
	return u, nil
}

// validate checks data against s and then decodes it into out.
func validate(data []byte, s schema, out interface{}) error {
	obj, err := decodeObject(data)
	if err != nil {
		return kerrors.InvalidInput(fmt.Sprintf("malformed payload: %v", err))
	}
	if err := s.check(obj, ""); err != nil {
		return kerrors.InvalidInput(err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return kerrors.InvalidInput(fmt.Sprintf("decode payload: %v", err))
	}
	return nil
}
