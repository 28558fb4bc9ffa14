// Package msgcat maps error codes and notices to user-facing text.
package msgcat

import (
    "embed"
    "errors"
    "fmt"
    "io/fs"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "text/template"

    yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultFiles embed.FS

const defaultFile = "messages.en.yaml"

// Catalog holds flattened dot-keys ("errors.NOT_YOUR_TURN") to template text.
type Catalog struct {
    mu   sync.RWMutex
    data map[string]string
    tpls map[string]*template.Template
}

// New loads the embedded messages, then any *.yaml/*.yml files in overrideDir.
func New(overrideDir string) (*Catalog, error) {
    c := &Catalog{data: make(map[string]string), tpls: make(map[string]*template.Template)}
    raw, err := fs.ReadFile(defaultFiles, defaultFile)
    if err != nil { return nil, fmt.Errorf("read embedded messages: %w", err) }
    flat, err := parseYAMLToFlat(raw)
    if err != nil { return nil, fmt.Errorf("parse embedded messages: %w", err) }
    c.merge(flat)
    if strings.TrimSpace(overrideDir) != "" {
        if err := c.applyDir(overrideDir); err != nil { return nil, err }
    }
    return c, nil
}

// MustDefault returns the embedded catalog; it panics only if the binary was built with a broken file.
func MustDefault() *Catalog {
    c, err := New("")
    if err != nil { panic(err) }
    return c
}

func (c *Catalog) merge(flat map[string]string) {
    c.mu.Lock()
    defer c.mu.Unlock()
    for k, v := range flat {
        c.data[k] = v
        delete(c.tpls, k)
    }
}

func (c *Catalog) applyDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return fmt.Errorf("read messages dir: %w", err) }
    files := make([]string, 0, len(entries))
    for _, e := range entries {
        if e.IsDir() { continue }
        ext := strings.ToLower(filepath.Ext(e.Name()))
        if ext == ".yaml" || ext == ".yml" { files = append(files, e.Name()) }
    }
    sort.Strings(files)
    seen := make(map[string]string)
    for _, name := range files {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return fmt.Errorf("read %s: %w", name, err) }
        flat, err := parseYAMLToFlat(b)
        if err != nil { return fmt.Errorf("parse %s: %w", name, err) }
        for k := range flat {
            if prev, ok := seen[k]; ok {
                return fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
            }
            seen[k] = name
        }
        c.merge(flat)
    }
    return nil
}

func parseYAMLToFlat(b []byte) (map[string]string, error) {
    var m map[string]any
    if err := yaml.Unmarshal(b, &m); err != nil { return nil, err }
    flat := make(map[string]string)
    if err := flattenStrings(m, "", flat); err != nil { return nil, err }
    return flat, nil
}

func flattenStrings(src any, prefix string, out map[string]string) error {
    switch v := src.(type) {
    case map[string]any:
        for k, vv := range v {
            key := k
            if prefix != "" { key = prefix + "." + k }
            if err := flattenStrings(vv, key, out); err != nil { return err }
        }
        return nil
    case string:
        if prefix == "" { return errors.New("string value without key prefix") }
        out[prefix] = v
        return nil
    case nil:
        return nil
    default:
        return fmt.Errorf("unsupported value at %s: %T", prefix, v)
    }
}

func (c *Catalog) template(key string) (*template.Template, error) {
    key = strings.TrimSpace(key)
    c.mu.RLock()
    t, ok := c.tpls[key]
    text, found := c.data[key]
    c.mu.RUnlock()
    if ok { return t, nil }
    if !found || strings.TrimSpace(text) == "" { return nil, fmt.Errorf("message not found: %s", key) }
    t, err := template.New(key).Option("missingkey=error").Parse(text)
    if err != nil { return nil, fmt.Errorf("parse %s: %w", key, err) }
    c.mu.Lock()
    c.tpls[key] = t
    c.mu.Unlock()
    return t, nil
}

// Render executes the message stored under key. Missing keys and fields are errors.
func (c *Catalog) Render(key string, data any) (string, error) {
    t, err := c.template(key)
    if err != nil { return "", err }
    var b strings.Builder
    if err := t.Execute(&b, data); err != nil { return "", err }
    return b.String(), nil
}

// ErrorText renders errors.{code}, falling back to fallback and then to the INTERNAL text.
func (c *Catalog) ErrorText(code string, data any, fallback string) string {
    if s, err := c.Render("errors."+code, data); err == nil { return s }
    if fallback != "" { return fallback }
    s, _ := c.Render("errors.INTERNAL", nil)
    return s
}
