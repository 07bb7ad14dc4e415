// Package ui defines the declarative component tree pushed to thin clients
// (ui.render payloads) and the validators that keep dynamic props and inline
// styles safe to render.
package ui

// Binding connects a component prop to a state path.
type Binding struct {
	// Prop is the prop key, e.g. "value".
	Prop string `json:"prop"`
	// Path is the state path in dot notation, e.g. "user.name".
	Path string `json:"path"`
}

// ComponentNode is a node of the recursive UI tree.
type ComponentNode struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Key      string          `json:"key,omitempty"`
	Props    map[string]any  `json:"props,omitempty"`
	Bindings []Binding       `json:"bindings,omitempty"`
	Children []ComponentNode `json:"children,omitempty"`
}

// Walk visits the node and all descendants depth-first, stopping early when
// fn returns false.
func (n *ComponentNode) Walk(fn func(*ComponentNode) bool) bool {
	if !fn(n) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Walk(fn) {
			return false
		}
	}
	return true
}

// Find returns the first node in the tree with the given id, or nil.
func (n *ComponentNode) Find(id string) *ComponentNode {
	var found *ComponentNode
	n.Walk(func(node *ComponentNode) bool {
		if node.ID == id {
			found = node
			return false
		}
		return true
	})
	return found
}

// Page is a routable UI page: a layout name and a component tree root.
type Page struct {
	Path   string        `json:"path"`
	Layout string        `json:"layout"`
	Root   ComponentNode `json:"root"`
}

// WithDefaults fills unset fields: an empty layout becomes "default".
func (p *Page) WithDefaults() *Page {
	if p.Layout == "" {
		p.Layout = "default"
	}
	return p
}
