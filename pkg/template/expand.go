// Package template expands {placeholder} tokens in plan paths and text.
package template

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"
)

// Builtins returns the built-in placeholders evaluated at now:
//
//	{date}      - YYYY-MM-DD
//	{time}      - HHMMSS, safe inside file names
//	{iso8601}   - RFC 3339 timestamp
//	{unix}      - Unix seconds
//	{user}      - current username
//	{hostname}  - short host name
func Builtins(now time.Time) map[string]string {
	vars := map[string]string{
		"date":     now.Format("2006-01-02"),
		"time":     now.Format("150405"),
		"iso8601":  now.Format(time.RFC3339),
		"unix":     strconv.FormatInt(now.Unix(), 10),
		"user":     "unknown",
		"hostname": "unknown",
	}
	if u, err := user.Current(); err == nil {
		vars["user"] = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		vars["hostname"] = strings.Split(h, ".")[0]
	}
	return vars
}

// Expander replaces placeholders in one pass; unknown ones are left as they
// are.
type Expander struct {
	r *strings.Replacer
}

// New builds an Expander over the built-ins at now, overridden by vars.
func New(now time.Time, vars map[string]string) *Expander {
	all := Builtins(now)
	for k, v := range vars {
		all[k] = v
	}
	pairs := make([]string, 0, 2*len(all))
	for k, v := range all {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return &Expander{r: strings.NewReplacer(pairs...)}
}

// Expand expands text.
func (e *Expander) Expand(text string) string {
	return e.r.Replace(text)
}

// Expand is New(time.Now(), vars).Expand(text).
func Expand(text string, vars map[string]string) string {
	return New(time.Now(), vars).Expand(text)
}
