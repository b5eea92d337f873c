package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/luciancaetano/shardnet"
)

// normalizeParams renders query parameters: booleans become "true"/"false",
// nil values are dropped and slices repeat the key.
func normalizeParams(params map[string]any) url.Values {
	if len(params) == 0 {
		return nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := url.Values{}
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case bool:
			out.Set(k, strconv.FormatBool(v))
		case *bool:
			if v != nil {
				out.Set(k, strconv.FormatBool(*v))
			}
		case string:
			out.Set(k, v)
		case []string:
			for _, s := range v {
				out.Add(k, s)
			}
		case fmt.Stringer:
			out.Set(k, v.String())
		default:
			out.Set(k, fmt.Sprint(v))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeEndpoint strips surrounding slashes and whitespace.
func normalizeEndpoint(endpoint string) string {
	return strings.Trim(strings.TrimSpace(endpoint), "/")
}

// buildBody encodes the request body. Requests with files become
// multipart/form-data with a payload_json part and one files[i] part per
// file; everything else is JSON. A nil body sends nothing.
func buildBody(req shardnet.Request) (io.Reader, string, error) {
	if len(req.Files) > 0 {
		return buildMultipart(req.Body, req.Files)
	}
	if req.Body == nil {
		return nil, "", nil
	}

	data, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func buildMultipart(body any, files []shardnet.File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload := []byte("{}")
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", err
		}
		payload = data
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="payload_json"`)
	h.Set("Content-Type", "application/json")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", err
	}

	for i, f := range files {
		data := f.Data
		if data == nil && f.Path != "" {
			data, err = os.ReadFile(f.Path)
			if err != nil {
				return nil, "", fmt.Errorf("read attachment: %w", err)
			}
		}

		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[%d]"; filename="%s"`, i, escapeQuotes(name)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
