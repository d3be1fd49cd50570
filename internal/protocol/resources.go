package protocol

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResourceCandidate names a workspace file offered through resources/list.
type ResourceCandidate struct {
	Path        string
	Title       string
	Description string
	MimeType    string
}

// DefaultResourceCandidates is the static catalog built at startup. Missing
// files are skipped. Only workspace files belong here; config.yaml and
// permissions.json live under the home and state dirs, and the permission
// map is served by get_permissions.
var DefaultResourceCandidates = []ResourceCandidate{
	{Path: "README.md", Title: "Project README", Description: "High-level overview of systerd", MimeType: "text/markdown"},
	{Path: "DESIGN.md", Title: "Design Notes", Description: "Component layout and design decisions", MimeType: "text/markdown"},
	{Path: ".vscode/mcp.json", Title: "Local MCP Config", Description: "Editor MCP client manifest", MimeType: "application/json"},
}

// Resource is one resources/list entry.
type Resource struct {
	URI         string         `json:"uri"`
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mimeType"`
	Size        int64          `json:"size"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// ResourceTemplate is one resources/templates/list entry.
type ResourceTemplate struct {
	URITemplate string         `json:"uriTemplate"`
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	MimeType    string         `json:"mimeType"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// ResourceContent is one entry of a resources/read result.
type ResourceContent struct {
	URI         string         `json:"uri"`
	MimeType    string         `json:"mimeType"`
	Text        string         `json:"text"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

// Catalog is the read-only file catalog rooted at a workspace directory.
type Catalog struct {
	root      string
	rootURI   string
	resources []Resource
	byURI     map[string]Resource

	mu   sync.Mutex
	subs map[string]map[string]struct{}
}

// NewCatalog resolves root and builds the static catalog from candidates.
func NewCatalog(root string, candidates []ResourceCandidate) (*Catalog, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	c := &Catalog{
		root:    abs,
		rootURI: strings.TrimRight(fileURI(abs), "/"),
		byURI:   make(map[string]Resource),
		subs:    make(map[string]map[string]struct{}),
	}
	for _, cand := range candidates {
		p := filepath.Join(abs, filepath.FromSlash(cand.Path))
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		r := Resource{
			URI:         fileURI(p),
			Name:        filepath.Base(p),
			Title:       cand.Title,
			Description: cand.Description,
			MimeType:    cand.MimeType,
			Size:        info.Size(),
			Annotations: map[string]any{
				"audience":     []string{"assistant", "user"},
				"priority":     0.7,
				"lastModified": info.ModTime().UTC().Format(time.RFC3339),
			},
		}
		c.resources = append(c.resources, r)
		c.byURI[r.URI] = r
	}
	return c, nil
}

// Root returns the resolved workspace root.
func (c *Catalog) Root() string { return c.root }

// List returns the static catalog.
func (c *Catalog) List() []Resource {
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Templates returns the single workspace-file template.
func (c *Catalog) Templates() []ResourceTemplate {
	return []ResourceTemplate{{
		URITemplate: c.rootURI + "/{path}",
		Name:        "Workspace file",
		Title:       "Workspace file reference",
		Description: "Reference any file in the systerd workspace",
		MimeType:    "application/octet-stream",
		Annotations: map[string]any{"audience": []string{"assistant"}, "priority": 0.4},
	}}
}

// Resolve maps a file:// URI to an existing path inside the workspace root.
// Anything that resolves outside the root, including through symlinks or
// "..", is reported as not found.
func (c *Catalog) Resolve(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", false
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	if !filepath.IsAbs(p) {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(c.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

// Read returns the text content of uri.
func (c *Catalog) Read(uri string) (ResourceContent, error) {
	p, ok := c.Resolve(uri)
	if !ok {
		return ResourceContent{}, resourceNotFound(uri)
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return ResourceContent{}, resourceNotFound(uri)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ResourceContent{}, &Error{Kind: KindStorage, Code: CodeInternalError, Message: "Failed to read resource", Cause: err, Details: map[string]any{"uri": uri}}
	}
	content := ResourceContent{URI: uri, MimeType: "text/plain", Text: strings.ToValidUTF8(string(data), "�")}
	if meta, ok := c.byURI[uri]; ok {
		content.MimeType = meta.MimeType
		content.Annotations = meta.Annotations
	}
	return content, nil
}

// Subscribe records interest in a catalogued resource and returns an
// opaque subscription id. Change notifications are not delivered.
func (c *Catalog) Subscribe(uri string) (string, error) {
	if _, ok := c.byURI[uri]; !ok {
		return "", resourceNotFound(uri)
	}
	id := uuid.NewString()
	c.mu.Lock()
	if c.subs[uri] == nil {
		c.subs[uri] = make(map[string]struct{})
	}
	c.subs[uri][id] = struct{}{}
	c.mu.Unlock()
	return id, nil
}

// Subscriptions reports the number of subscriptions held for uri.
func (c *Catalog) Subscriptions(uri string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[uri])
}

func resourceNotFound(uri string) *Error {
	return &Error{Kind: KindProtocol, Code: CodeResourceNotFound, Message: "Resource not found", Details: map[string]any{"uri": uri}}
}

func fileURI(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}
