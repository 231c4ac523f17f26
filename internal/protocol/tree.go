package protocol

import (
	"path"
	"sort"
	"strings"
)

// FileNode is one entry of the room file tree.
type FileNode struct {
	Name     string     `json:"name"`
	Type     NodeType   `json:"type"`
	Children []FileNode `json:"children,omitempty"`
}

// FileEntry is a flat path as stored server side.
type FileEntry struct {
	Path string
	Type NodeType
}

// CleanPath normalizes a slash-delimited logical path. It returns "" for
// paths that escape the room root or name nothing.
func CleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return ""
	}
	return strings.TrimPrefix(cleaned, "/")
}

// BuildTree turns flat entries into a nested tree. Missing parent
// directories are created implicitly. Directories sort before files, then by
// name.
func BuildTree(entries []FileEntry) []FileNode {
	type dir struct {
		children map[string]*dir
		kind     NodeType
	}
	root := &dir{children: map[string]*dir{}, kind: NodeDirectory}

	for _, e := range entries {
		p := CleanPath(e.Path)
		if p == "" {
			continue
		}
		parts := strings.Split(p, "/")
		cur := root
		for i, part := range parts {
			next, ok := cur.children[part]
			if !ok {
				next = &dir{children: map[string]*dir{}, kind: NodeDirectory}
				cur.children[part] = next
			}
			if i == len(parts)-1 && e.Type == NodeFile && len(next.children) == 0 {
				next.kind = NodeFile
			}
			if i < len(parts)-1 {
				next.kind = NodeDirectory
			}
			cur = next
		}
	}

	var walk func(d *dir) []FileNode
	walk = func(d *dir) []FileNode {
		nodes := make([]FileNode, 0, len(d.children))
		for name, child := range d.children {
			node := FileNode{Name: name, Type: child.kind}
			if child.kind == NodeDirectory {
				node.Children = walk(child)
			}
			nodes = append(nodes, node)
		}
		sort.Slice(nodes, func(i, j int) bool {
			if nodes[i].Type != nodes[j].Type {
				return nodes[i].Type == NodeDirectory
			}
			return nodes[i].Name < nodes[j].Name
		})
		return nodes
	}
	return walk(root)
}

// FilePaths flattens a tree back into the paths of its files.
func FilePaths(nodes []FileNode) []string {
	var out []string
	var walk func(nodes []FileNode, parent string)
	walk = func(nodes []FileNode, parent string) {
		for _, n := range nodes {
			p := n.Name
			if parent != "" {
				p = parent + "/" + n.Name
			}
			if n.Type == NodeDirectory {
				walk(n.Children, p)
				continue
			}
			out = append(out, p)
		}
	}
	walk(nodes, "")
	return out
}
