package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl-go/eventlog"
	"github.com/noetl/noetl-go/template"
)

// HTTP executes http-kind actions with a shared resty client.
//
// Recognized args: method (default GET), url, params (query mapping),
// headers (mapping), body (any; JSON-encoded when composite). Credentials
// arrive pre-rendered inside headers or params; this executor never reads
// Auth directly.
//
// Responses with a JSON content type are decoded so templates can address
// response fields (pagination conditions, transition predicates). 4xx/5xx
// statuses surface as dependency errors carrying the status code.
type HTTP struct {
	client *resty.Client
}

// NewHTTP creates the executor. A nil client gets a default one.
func NewHTTP(client *resty.Client) *HTTP {
	if client == nil {
		client = resty.New()
	}
	return &HTTP{client: client}
}

// Execute implements Executor.
func (h *HTTP) Execute(ctx context.Context, in Input) Envelope {
	started := time.Now()

	url, _ := in.Args["url"].(string)
	if url == "" {
		return Fail(eventlog.KindValidation, "http action requires a url", 0)
	}
	method, _ := in.Args["method"].(string)
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	req := h.client.R().SetContext(ctx)

	if params, ok := in.Args["params"].(map[string]any); ok {
		for k, v := range params {
			req.SetQueryParam(k, template.Stringify(v))
		}
	}
	if headers, ok := in.Args["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.SetHeader(k, template.Stringify(v))
		}
	}
	if body, ok := in.Args["body"]; ok && body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Fail(eventlog.KindTimeout, "http request deadline exceeded", 0)
		}
		if ctx.Err() == context.Canceled {
			return Fail(eventlog.KindCancelled, "http request cancelled", 0)
		}
		return Fail(eventlog.KindDependency, fmt.Sprintf("http request failed: %v", err), 0)
	}

	meta := &Meta{ElapsedMS: time.Since(started).Milliseconds()}

	if resp.StatusCode() >= 400 {
		env := Fail(eventlog.KindDependency,
			fmt.Sprintf("%s %s returned %s", method, url, resp.Status()),
			resp.StatusCode())
		env.Meta = meta
		return env
	}

	return Success(decodeBody(resp.Body()), meta)
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		return decoded
	}
	return string(body)
}
