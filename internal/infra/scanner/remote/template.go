package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

// vars holds placeholder values for one request.
type vars map[string]string

func commandVars(cmd scanning.ScanCommand) vars {
	v := vars{
		"scanId":             strconv.FormatInt(cmd.ScanID, 10),
		"scannerType":        cmd.ScannerType,
		"extensionVersionId": strconv.FormatInt(cmd.ExtensionVersionID, 10),
		"namespace":          cmd.Extension.Namespace,
		"name":               cmd.Extension.Name,
		"version":            cmd.Extension.Version,
		"targetPlatform":     cmd.Extension.TargetPlatform,
	}
	if cmd.File != nil {
		v["fileName"] = filepath.Base(cmd.File.Path)
		v["fileSha256"] = cmd.File.SHA256
		v["fileSize"] = strconv.FormatInt(cmd.File.Size, 10)
	}
	return v
}

func handleVars(handle string) vars { return vars{"jobId": handle} }

// render replaces every {key} in s. escape is applied to each value.
func (v vars) render(s string, escape func(string) string) string {
	if len(v) == 0 || !strings.Contains(s, "{") {
		return s
	}
	pairs := make([]string, 0, len(v)*2)
	for k, val := range v {
		if escape != nil {
			val = escape(val)
		}
		pairs = append(pairs, "{"+k+"}", val)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// build creates the HTTP request for t. file is only read for the file and
// multipart body modes.
func (t RequestTemplate) build(ctx context.Context, v vars, file *scanning.ExtensionFile) (*http.Request, error) {
	rawURL := v.render(t.URL, url.PathEscape)
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	var (
		body        io.Reader
		contentType string
	)
	switch t.BodyMode {
	case BodyNone:
	case BodyTemplate:
		body = strings.NewReader(v.render(t.Body, jsonEscape))
		contentType = "application/json"
	case BodyFile:
		if file == nil {
			return nil, fmt.Errorf("request needs the package file")
		}
		raw, err := os.ReadFile(file.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read package: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/octet-stream"
	case BodyMultipart:
		if file == nil {
			return nil, fmt.Errorf("request needs the package file")
		}
		buf, ct, err := t.multipartBody(v, file)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	default:
		return nil, fmt.Errorf("unknown body mode %q", t.BodyMode)
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range t.Headers {
		req.Header.Set(k, v.render(val, nil))
	}
	return req, nil
}

func (t RequestTemplate) multipartBody(v vars, file *scanning.ExtensionFile) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for k, val := range t.Fields {
		if err := mw.WriteField(k, v.render(val, nil)); err != nil {
			return nil, "", err
		}
	}

	field := t.FileField
	if field == "" {
		field = "file"
	}
	part, err := mw.CreateFormFile(field, filepath.Base(file.Path))
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("failed to copy package: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// jsonEscape escapes a value for embedding inside a JSON string literal.
func jsonEscape(s string) string {
	q := strconv.Quote(s)
	return q[1 : len(q)-1]
}
