package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

var defaultFieldLimit = 16 * 1024 // 16KB

// maxFormBytes bounds url-encoded form bodies.
var maxFormBytes int64 = 1 << 20

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the
// request.
//
// Supported structtags:
//   - `query:"name"`: r.URL.Query()
//   - `form:"name"`: url-encoded request body
//   - `header:"name"`: r.Header
//   - `cookie:"name"`: r.Cookie(name)
//   - `maxLength:"n"` sets the maximum byte length of the value; the default
//     is 16KB and "0" disables the limit.
//
// If multiple source tags are present on the same field, precedence is:
// query, form, header, cookie. Fields with no data are left unchanged.
// Supported field types are string, bool, integers, []string and types
// implementing encoding.TextUnmarshaler. Untagged embedded structs are
// decoded as if their fields were declared inline.
//
// A struct{} params type decodes nothing and never touches the body.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, errors.New("endpoint: decode: dst must point to a struct"))
	}
	if root.NumField() == 0 {
		return nil
	}

	d := &decoder{r: r}
	return d.decodeStruct(root)
}

// decoder caches the parsed query and form across fields.
type decoder struct {
	r     *http.Request
	query url.Values
	form  url.Values
}

func (d *decoder) decodeStruct(root reflect.Value) error {
	for i := 0; i < root.NumField(); i++ {
		sf := root.Type().Field(i)
		// Untagged embedded structs contribute their fields.
		if sf.Anonymous && sf.IsExported() && sf.Type.Kind() == reflect.Struct && !hasAnySourceTag(sf) {
			if err := d.decodeStruct(root.Field(i)); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return err
		}

		var values []string
		var source, name string
		switch {
		case hasTag(sf, "query"):
			if d.query == nil {
				d.query = d.r.URL.Query()
			}
			source, name = "query", tagName(sf, "query")
			values = d.query[name]
		case hasTag(sf, "form"):
			if d.form == nil {
				if d.form, err = parseForm(d.r); err != nil {
					return err
				}
			}
			source, name = "form", tagName(sf, "form")
			values = d.form[name]
		case hasTag(sf, "header"):
			source, name = "header", tagName(sf, "header")
			values = d.r.Header.Values(name)
		case hasTag(sf, "cookie"):
			source, name = "cookie", tagName(sf, "cookie")
			if c, err := d.r.Cookie(name); err == nil {
				values = []string{c.Value}
			}
		default:
			continue
		}
		if len(values) == 0 {
			continue
		}
		for _, val := range values {
			if limit > 0 && len(val) > limit {
				return newEndpointError(http.StatusBadRequest, fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", source, name, sf.Name, limit))
			}
		}
		if err := setField(root.Field(i), values); err != nil {
			return newEndpointError(http.StatusBadRequest, fmt.Errorf("endpoint: decode: %s %q -> %s: %w", source, name, sf.Name, err))
		}
	}
	return nil
}

func newEndpointError(status int, err error) error {
	return &EndpointError{Status: status, Cause: err}
}

func hasAnySourceTag(sf reflect.StructField) bool {
	return hasTag(sf, "query") || hasTag(sf, "form") || hasTag(sf, "header") || hasTag(sf, "cookie")
}

func hasTag(sf reflect.StructField, key string) bool {
	tag, ok := sf.Tag.Lookup(key)
	return ok && tag != "-"
}

func tagName(sf reflect.StructField, key string) string {
	name, _, _ := strings.Cut(sf.Tag.Get(key), ",")
	if name == "" {
		return strings.ToLower(sf.Name)
	}
	return name
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, newEndpointError(http.StatusInternalServerError, fmt.Errorf("maxLength: invalid integer %q", val))
	}
	if n < 0 {
		return 0, newEndpointError(http.StatusInternalServerError, fmt.Errorf("maxLength: must be >= 0"))
	}
	return n, nil
}

func parseForm(r *http.Request) (url.Values, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return url.Values{}, nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, newEndpointError(http.StatusBadRequest, fmt.Errorf("parse content-type: %w", err))
		}
		if mt != "application/x-www-form-urlencoded" {
			return url.Values{}, nil
		}
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return nil, newEndpointError(http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
	}
	return r.PostForm, nil
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func setField(v reflect.Value, values []string) error {
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.String {
		s := reflect.MakeSlice(v.Type(), len(values), len(values))
		for i, val := range values {
			s.Index(i).SetString(val)
		}
		v.Set(s)
		return nil
	}
	return setScalar(v, values[0])
}

func setScalar(v reflect.Value, s string) error {
	if v.CanAddr() && v.Addr().Type().Implements(textUnmarshalerType) {
		return v.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s))
	}
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setScalar(v.Elem(), s)
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
