package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"resty.dev/v3"

	"github.com/petrijr/stepflow/internal/credentials"
	"github.com/petrijr/stepflow/internal/dispatch"
	"github.com/petrijr/stepflow/pkg/api"
)

// HTTPRequest returns the http.request module backed by client. A nil
// client gets a fresh resty client.
func HTTPRequest(client *resty.Client) dispatch.Descriptor {
	return httpRequestDescriptor(client)
}

func httpRequestDescriptor(client *resty.Client) dispatch.Descriptor {
	return dispatch.Descriptor{
		Path:        "http.request",
		Description: "Performs an HTTP request and returns status, headers and body.",
		Params: []dispatch.Param{
			{Name: "url", Kind: dispatch.ParamScalar, Required: true},
			{Name: "method", Kind: dispatch.ParamScalar, Default: api.String("GET")},
			{Name: "headers", Kind: dispatch.ParamObject},
			{Name: "body", Kind: dispatch.ParamAny},
			// auth names a connected provider whose token is sent as a bearer.
			{Name: "auth", Kind: dispatch.ParamScalar},
		},
		Invoke: func(ctx context.Context, args []api.Value) (api.Value, error) {
			c := client
			if c == nil {
				c = resty.New()
				defer c.Close()
			}
			return doRequest(ctx, c, args)
		},
	}
}

func doRequest(ctx context.Context, c *resty.Client, args []api.Value) (api.Value, error) {
	url := args[0].String()
	if url == "" {
		return api.Value{}, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(args[1].String())
	if method == "" {
		method = "GET"
	}

	req := c.R().SetContext(ctx)
	for _, h := range args[2].Fields() {
		req.SetHeader(h.Key, h.Value.String())
	}
	if provider := args[4].String(); provider != "" {
		tok, err := credentials.Token(ctx, provider)
		if err != nil {
			return api.Value{}, err
		}
		req.SetAuthToken(tok)
	}
	if !args[3].IsNil() {
		if s, ok := args[3].Str(); ok {
			req.SetBody(s)
		} else {
			body, err := args[3].MarshalJSON()
			if err != nil {
				return api.Value{}, err
			}
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return api.Value{}, fmt.Errorf("%s %s: %w", method, url, err)
	}

	raw := resp.String()
	body := api.String(raw)
	if strings.Contains(resp.Header().Get("Content-Type"), "json") {
		if parsed, err := api.ParseJSON([]byte(raw)); err == nil {
			body = parsed
		}
	}
	names := make([]string, 0, len(resp.Header()))
	for k := range resp.Header() {
		names = append(names, k)
	}
	sort.Strings(names)
	headers := make([]api.Field, 0, len(names))
	for _, k := range names {
		headers = append(headers, api.Field{Key: k, Value: api.String(strings.Join(resp.Header()[k], ", "))})
	}

	if resp.StatusCode() >= 400 {
		return api.Value{}, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode(), raw)
	}
	return api.Object(
		api.Field{Key: "status", Value: api.Int(int64(resp.StatusCode()))},
		api.Field{Key: "headers", Value: api.Object(headers...)},
		api.Field{Key: "body", Value: body},
	), nil
}
