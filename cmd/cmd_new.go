package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// newCmd is the cobra CLI command for the new subcommand
func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [app-name]",
		Short: "Create a config directory with starter config files",
		Run:   cmdNew,
	}
}

const devConfigTmpl = `app_name: "{{ .AppName }} Development"
host_port: 0.0.0.0:8080
log_level: debug
log_format: console
reload_on_config_change: true

store_path: {{ .AppNameSlug }}.db

databases:
  main:
    host: localhost
    port: 5432
    database: {{ .AppNameSlug }}_development
    username: postgres
    password: postgres

# lm:
#   url: http://localhost:11434
#   model_sql: sqlcoder
#   model_understand: mistral

# rate_limiter:
#   rate: 100
#   bucket: 20
`

const prodConfigTmpl = `inherits: dev

app_name: "{{ .AppName }} Production"
production: true
log_level: info
log_format: json
reload_on_config_change: false

databases:
  main:
    host: localhost
    port: 5432
    database: {{ .AppNameSlug }}_production
    username: postgres
    password: postgres
`

// cmdNew is the handler for the new subcommand
func cmdNew(_ *cobra.Command, args []string) {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatal(err)
		}
		name = filepath.Base(cwd)
	}

	slug := strings.ToLower(name)
	en := cases.Title(language.English)

	data := map[string]interface{}{
		"AppName":     en.String(slug),
		"AppNameSlug": slug,
	}

	cp, err := filepath.Abs(cpath)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(cp, os.ModePerm); err != nil {
		log.Fatalf("Failed to create config directory: %s", err)
	}

	files := map[string]string{
		"dev.yml":  devConfigTmpl,
		"prod.yml": prodConfigTmpl,
	}

	for fn, tmpl := range files {
		out := filepath.Join(cp, fn)
		if _, err := os.Stat(out); err == nil {
			log.Warnf("Skipping existing file: %s", out)
			continue
		}

		v, err := renderTemplate(fn, tmpl, data)
		if err != nil {
			log.Fatalf("Failed to render %s: %s", fn, err)
		}
		if err := os.WriteFile(out, v, 0o600); err != nil {
			log.Fatalf("Failed to write %s: %s", out, err)
		}
		log.Infof("Created: %s", out)
	}
}

func renderTemplate(name, tmpl string, data map[string]interface{}) ([]byte, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
