package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/service"
)

// maxBodyBytes bounds request bodies. Profile updates may carry a base64
// profile picture, hence the generous limit.
const maxBodyBytes = 10 << 20

// params holds the request parameters of an endpoint. Like the REST API it
// replaces, values may come from the query string, a form body or a JSON
// body; body values win over query values.
type params map[string]any

// readParams merges query, form and JSON body parameters.
func readParams(w http.ResponseWriter, r *http.Request) (params, error) {
	p := params{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			p[k] = v[0]
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return p, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, invalidBody(err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				p[k] = v[0]
			}
		}
		return p, nil
	}

	body, err := decodeObject(r.Body)
	if err != nil {
		return nil, err
	}
	for k, v := range body {
		p[k] = v
	}
	return p, nil
}

// decodeObject decodes a JSON object body. Numbers stay json.Number so meta
// values keep their exact digits. An empty body is an empty object.
func decodeObject(body io.Reader) (map[string]any, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, invalidBody(err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, invalidBody(err)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

func invalidBody(err error) error {
	return apperror.ValidationFailed("body", fmt.Sprintf("invalid request body: %v", err))
}

// get returns the first non-empty parameter among keys, as a string.
func (p params) get(keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k]; ok {
			if s := service.MetaString(v); s != "" {
				return s
			}
		}
	}
	return ""
}
