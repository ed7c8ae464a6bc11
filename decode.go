/*
	Copyright Nettrack Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package websrv

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// ErrNotPresent reports that a variable was never supplied by the request. Distinct from DecodeError so
// callers can branch between "absent" and "malformed" without matching error strings.
var ErrNotPresent = errors.New("variable not present")

// DecodeError reports that a variable was present but its value could not be converted to the requested
// type, or that the body syntax itself was malformed.
type DecodeError struct {
	Name  string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Name == "" {
		return "malformed request body: " + e.Err.Error()
	}
	return "unable to decode variable '" + e.Name + "': " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Variables is the cache of decoded POST variables for one request. It is populated by the connection
// state machine as body chunks are decoded; handlers read from it during finalize.
type Variables struct {
	values map[string]string
}

func newVariables() *Variables {
	return &Variables{values: map[string]string{}}
}

// Has reports whether the named variable was supplied.
func (v *Variables) Has(name string) bool {
	_, ok := v.values[name]
	return ok
}

// String returns the raw value of the named variable, or ErrNotPresent.
func (v *Variables) String(name string) (string, error) {
	value, ok := v.values[name]
	if !ok {
		return "", ErrNotPresent
	}
	return value, nil
}

// Int returns the named variable converted to an int.
func (v *Variables) Int(name string) (int, error) {
	value, ok := v.values[name]
	if !ok {
		return 0, ErrNotPresent
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &DecodeError{Name: name, Value: value, Err: err}
	}
	return n, nil
}

// Float64 returns the named variable converted to a float64.
func (v *Variables) Float64(name string) (float64, error) {
	value, ok := v.values[name]
	if !ok {
		return 0, ErrNotPresent
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &DecodeError{Name: name, Value: value, Err: err}
	}
	return f, nil
}

// Bool returns the named variable converted to a bool.
func (v *Variables) Bool(name string) (bool, error) {
	value, ok := v.values[name]
	if !ok {
		return false, ErrNotPresent
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &DecodeError{Name: name, Value: value, Err: err}
	}
	return b, nil
}

func (v *Variables) set(name, value string) {
	v.values[name] = value
}

// bodyDecoder turns body chunks into variable cache entries. url-encoded bodies decode incrementally as
// chunks arrive; multipart bodies buffer and decode once complete.
type bodyDecoder interface {
	consume(chunk []byte) error
	finish() error
}

// noopDecoder is used for content types that carry no form fields (raw uploads, json bodies); the bytes
// still reach the handler's consume callback.
type noopDecoder struct{}

func (noopDecoder) consume([]byte) error { return nil }
func (noopDecoder) finish() error        { return nil }

// formDecoder incrementally decodes application/x-www-form-urlencoded bodies. Complete k=v pairs are
// emitted as soon as their terminating '&' arrives; the unterminated tail is carried across chunks so
// splitting a body at any byte boundary yields the same variable cache as a single delivery.
type formDecoder struct {
	vars *Variables
	tail []byte
}

func newFormDecoder(vars *Variables) *formDecoder {
	return &formDecoder{vars: vars}
}

func (d *formDecoder) consume(chunk []byte) error {
	d.tail = append(d.tail, chunk...)

	for {
		i := bytes.IndexByte(d.tail, '&')
		if i < 0 {
			return nil
		}
		if err := d.emit(d.tail[:i]); err != nil {
			return err
		}
		d.tail = d.tail[i+1:]
	}
}

func (d *formDecoder) finish() error {
	if len(d.tail) == 0 {
		return nil
	}
	err := d.emit(d.tail)
	d.tail = nil
	return err
}

func (d *formDecoder) emit(pair []byte) error {
	if len(pair) == 0 {
		return nil
	}

	name := string(pair)
	value := ""
	if i := bytes.IndexByte(pair, '='); i >= 0 {
		name = string(pair[:i])
		value = string(pair[i+1:])
	}

	decodedName, err := url.QueryUnescape(name)
	if err != nil {
		return &DecodeError{Err: errors.Wrapf(err, "bad variable name [%s]", name)}
	}

	decodedValue, err := url.QueryUnescape(value)
	if err != nil {
		return &DecodeError{Name: decodedName, Value: value, Err: err}
	}

	d.vars.set(decodedName, decodedValue)
	return nil
}

// multipartDecoder buffers a multipart/form-data body and decodes it at completion. Form fields land in
// the variable cache; file parts are skipped here since the raw body already reaches the handler sink.
type multipartDecoder struct {
	vars     *Variables
	boundary string
	buf      bytes.Buffer
}

func newMultipartDecoder(vars *Variables, boundary string) *multipartDecoder {
	return &multipartDecoder{vars: vars, boundary: boundary}
}

func (d *multipartDecoder) consume(chunk []byte) error {
	d.buf.Write(chunk)
	return nil
}

func (d *multipartDecoder) finish() error {
	reader := multipart.NewReader(bytes.NewReader(d.buf.Bytes()), d.boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &DecodeError{Err: errors.Wrap(err, "bad multipart body")}
		}

		if part.FileName() != "" || part.FormName() == "" {
			_ = part.Close()
			continue
		}

		value, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return &DecodeError{Name: part.FormName(), Err: err}
		}

		d.vars.set(part.FormName(), string(value))
	}
}

// decoderForContentType selects the body decoder from the request Content-Type. Unknown types get the
// noop decoder: the body is handler-private.
func decoderForContentType(contentType string, vars *Variables) (bodyDecoder, error) {
	if contentType == "" {
		return newFormDecoder(vars), nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &DecodeError{Err: errors.Wrapf(err, "bad content type [%s]", contentType)}
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		return newFormDecoder(vars), nil
	case "multipart/form-data":
		boundary, ok := params["boundary"]
		if !ok {
			return nil, &DecodeError{Err: errors.New("multipart body without boundary")}
		}
		return newMultipartDecoder(vars, boundary), nil
	default:
		return noopDecoder{}, nil
	}
}
