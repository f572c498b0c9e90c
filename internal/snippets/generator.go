// Package snippets renders copy-paste integration code for ab.js.
package snippets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/ksiegai/abgate/internal/store"
)

type Framework string

const (
	FrameworkHTML   Framework = "html"
	FrameworkNextJS Framework = "nextjs"
	FrameworkReact  Framework = "react"
	FrameworkVue    Framework = "vue"
)

// Frameworks lists the supported targets in menu order.
var Frameworks = []Framework{FrameworkHTML, FrameworkNextJS, FrameworkReact, FrameworkVue}

type Config struct {
	Test      *store.Test
	ServerURL string
}

type SnippetFile struct {
	Filename string
	Content  string
}

type templateData struct {
	TestKey      string
	PagePath     string
	Goal         string
	ServerURL    string
	Variants     []store.Variant
	VariantsJSON string
	Active       bool
}

// Generate returns the files a page needs to run test under framework.
// Unknown frameworks get the plain HTML version.
func Generate(framework Framework, cfg Config) ([]SnippetFile, error) {
	if cfg.Test == nil {
		return nil, fmt.Errorf("test is required")
	}
	data, err := buildTemplateData(cfg)
	if err != nil {
		return nil, err
	}

	var files []SnippetFile
	switch framework {
	case FrameworkNextJS:
		files = []SnippetFile{
			{Filename: "app/layout.tsx", Content: nextLayout},
			{Filename: "components/Convert.tsx", Content: reactConvert},
		}
	case FrameworkReact:
		files = []SnippetFile{
			{Filename: "index.html", Content: scriptTag},
			{Filename: "useVariant.ts", Content: reactHook},
			{Filename: "components/Convert.tsx", Content: reactConvert},
		}
	case FrameworkVue:
		files = []SnippetFile{
			{Filename: "index.html", Content: scriptTag},
			{Filename: "useVariant.ts", Content: vueComposable},
		}
	default:
		files = []SnippetFile{{Filename: "index.html", Content: htmlPage}}
	}

	for i := range files {
		out, err := render(files[i].Filename, files[i].Content, data)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", files[i].Filename, err)
		}
		files[i].Content = out
	}
	return files, nil
}

func buildTemplateData(cfg Config) (templateData, error) {
	ids := make([]string, len(cfg.Test.Variants))
	for i, v := range cfg.Test.Variants {
		ids[i] = v.ID
	}
	variantsJSON, err := json.Marshal(ids)
	if err != nil {
		return templateData{}, err
	}
	goal := cfg.Test.PrimaryGoal
	if goal == "" {
		goal = "signup"
	}
	return templateData{
		TestKey:      cfg.Test.Key,
		PagePath:     cfg.Test.PagePath,
		Goal:         goal,
		ServerURL:    strings.TrimSuffix(cfg.ServerURL, "/"),
		Variants:     cfg.Test.Variants,
		VariantsJSON: string(variantsJSON),
		Active:       cfg.Test.Active(),
	}, nil
}

func render(name, content string, data templateData) (string, error) {
	tmpl, err := template.New(name).Parse(content)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const scriptTag = `<!-- abgate: {{.TestKey}} on {{.PagePath}} -->
<script src="{{.ServerURL}}/ab.js" defer></script>
`

const htmlPage = `<!-- abgate: {{.TestKey}} on {{.PagePath}} -->{{if not .Active}}
<!-- The test is not active; every visitor sees the default content. -->{{end}}
<script src="{{.ServerURL}}/ab.js" defer></script>

<style>
  [data-ab-variant] .ab-variant { display: none; }
{{- range .Variants}}
  [data-ab-variant="{{.ID}}"] .ab-variant[data-variant="{{.ID}}"] { display: revert; }
{{- end}}
</style>
{{range .Variants}}
<h1 class="ab-variant" data-variant="{{.ID}}">{{.Name}}</h1>
{{- end}}

<button onclick="window.abgate && window.abgate.convert('{{.Goal}}')">Get Started</button>
`

const nextLayout = `import Script from 'next/script';

// abgate: {{.TestKey}} on {{.PagePath}}
export default function RootLayout({ children }: { children: React.ReactNode }) {
  return (
    <html lang="en">
      <body>
        {children}
        <Script src="{{.ServerURL}}/ab.js" strategy="afterInteractive" />
      </body>
    </html>
  );
}
`

const reactHook = `import { useEffect, useState } from 'react';

const VARIANTS: string[] = {{.VariantsJSON}};

// Resolves to the visitor's variant for {{.TestKey}}, or null outside the test.
export function useVariant(): string | null {
  const [variant, setVariant] = useState<string | null>(
    () => document.documentElement.getAttribute('data-ab-variant'),
  );

  useEffect(() => {
    const onVariant = (e: Event) => {
      const id = (e as CustomEvent).detail.variant_id;
      if (VARIANTS.includes(id)) setVariant(id);
    };
    window.addEventListener('abgate:variant', onVariant);
    return () => window.removeEventListener('abgate:variant', onVariant);
  }, []);

  return variant;
}
`

const reactConvert = `'use client';

declare global {
  interface Window {
    abgate?: { convert(name: string, value?: number, metadata?: object): void };
  }
}

export function Convert({ children }: { children: React.ReactNode }) {
  return <button onClick={() => window.abgate?.convert('{{.Goal}}')}>{children}</button>;
}
`

const vueComposable = `import { onMounted, onUnmounted, ref } from 'vue';

const VARIANTS: string[] = {{.VariantsJSON}};

// Tracks the visitor's variant for {{.TestKey}}; call convert() on success.
export function useVariant() {
  const variant = ref<string | null>(document.documentElement.getAttribute('data-ab-variant'));
  const onVariant = (e: Event) => {
    const id = (e as CustomEvent).detail.variant_id;
    if (VARIANTS.includes(id)) variant.value = id;
  };
  onMounted(() => window.addEventListener('abgate:variant', onVariant));
  onUnmounted(() => window.removeEventListener('abgate:variant', onVariant));

  const convert = () => (window as any).abgate?.convert('{{.Goal}}');
  return { variant, convert };
}
`
