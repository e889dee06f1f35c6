package httptrigger

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// wagiEnv builds the CGI-style environment a wagi component sees.
func wagiEnv(r *http.Request, m *Match, basePath string) map[string]string {
	host, port := splitHostPort(r.Host)
	env := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    r.Method,
		"SCRIPT_NAME":       m.ComponentRoute(),
		"PATH_INFO":         m.Trailing,
		"QUERY_STRING":      r.URL.RawQuery,
		"SERVER_NAME":       host,
		"SERVER_PORT":       port,
		"SERVER_PROTOCOL":   r.Proto,
		"REMOTE_ADDR":       r.RemoteAddr,
		"X_MATCHED_ROUTE":   joinRoute(basePath, m.Route.Pattern),
		"X_RAW_PATH_INFO":   r.URL.Path,
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		env["CONTENT_TYPE"] = ct
	}
	if r.ContentLength >= 0 {
		env["CONTENT_LENGTH"] = strconv.FormatInt(r.ContentLength, 10)
	}
	for name, values := range r.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env[key] = strings.Join(values, ", ")
	}
	for name, value := range m.Params {
		env["X_PATH_MATCH_"+strings.ToUpper(name)] = value
	}
	return env
}

// wagiArgs are the guest's argv: the matched route followed by the query
// string split on '&', per the CGI convention wagi follows.
func wagiArgs(m *Match, rawQuery string) []string {
	args := []string{m.ComponentRoute()}
	if rawQuery != "" {
		args = append(args, strings.Split(rawQuery, "&")...)
	}
	return args
}

// parseWagiOutput splits a wagi component's stdout into headers and body.
// The header block ends at the first blank line; an optional "Status" header
// overrides 200.
func parseWagiOutput(output []byte) (status int, headers http.Header, body []byte, err error) {
	status = http.StatusOK
	headers = make(http.Header)

	idx := bytes.Index(output, []byte("\n\n"))
	sep := 2
	if crlf := bytes.Index(output, []byte("\r\n\r\n")); crlf >= 0 && (idx < 0 || crlf < idx) {
		idx, sep = crlf, 4
	}
	if idx < 0 {
		return 0, nil, nil, fmt.Errorf("wagi output has no header block")
	}
	headerBlock, body := output[:idx], output[idx+sep:]

	scanner := bufio.NewScanner(bytes.NewReader(headerBlock))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return 0, nil, nil, fmt.Errorf("malformed wagi header line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, "Status") {
			fields := strings.Fields(value)
			if len(fields) == 0 {
				return 0, nil, nil, fmt.Errorf("malformed wagi status %q", value)
			}
			code, convErr := strconv.Atoi(fields[0])
			if convErr != nil {
				return 0, nil, nil, fmt.Errorf("malformed wagi status %q", value)
			}
			status = code
			continue
		}
		headers.Add(name, value)
	}
	return status, headers, body, nil
}

// sortedEnvKeys gives deterministic env application order.
func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitHostPort(hostport string) (host, port string) {
	host, port = hostport, "80"
	if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		host, port = hostport[:idx], hostport[idx+1:]
	}
	return host, port
}
